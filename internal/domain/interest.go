package domain

import (
	"fmt"
	"strconv"
)

type InterestKind int

const (
	InterestWidget InterestKind = iota
	InterestType
)

// InterestKey is a subscription target: one exact widget, or every widget of a type.
type InterestKey struct {
	Kind       InterestKind
	WidgetID   int64
	WidgetType string
}

func WidgetKey(id int64) InterestKey {
	return InterestKey{Kind: InterestWidget, WidgetID: id}
}

func TypeKey(widgetType string) InterestKey {
	return InterestKey{Kind: InterestType, WidgetType: widgetType}
}

func (k InterestKey) String() string {
	switch k.Kind {
	case InterestWidget:
		return "widget:" + strconv.FormatInt(k.WidgetID, 10)
	case InterestType:
		return "type:" + k.WidgetType
	default:
		return fmt.Sprintf("unknown:%d", k.Kind)
	}
}
