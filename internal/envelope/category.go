package envelope

import (
	"fmt"
	"strings"
)

// Category is one of the trade event kinds carried in an upstream update.
type Category string

const (
	// Confirms carries deal confirmations.
	Confirms Category = "CONFIRMS"
	// OPU carries open position updates.
	OPU Category = "OPU"
	// WOU carries working order updates.
	WOU Category = "WOU"
)

// Well-known channel names, shared by every publisher and subscriber in the
// process.
const (
	ConfirmsChannel = "inproc://sub_trade_confirms"
	OPUChannel      = "inproc://sub_trade_opu"
	WOUChannel      = "inproc://sub_trade_wou"
)

// Categories returns the recognized categories in fan-out order.
func Categories() []Category {
	return []Category{Confirms, OPU, WOU}
}

// Fields returns the category names as upstream field names.
func Fields() []string {
	cats := Categories()
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

// Valid reports whether c is a recognized category.
func (c Category) Valid() bool {
	switch c {
	case Confirms, OPU, WOU:
		return true
	}
	return false
}

// ChannelName returns the transport name bound to c. It is empty for
// unrecognized categories.
func (c Category) ChannelName() string {
	switch c {
	case Confirms:
		return ConfirmsChannel
	case OPU:
		return OPUChannel
	case WOU:
		return WOUChannel
	default:
		return ""
	}
}

// ParseCategory accepts a category name in any case.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// CategoryForChannel maps a well-known channel name back to its category.
func CategoryForChannel(name string) (Category, bool) {
	for _, c := range Categories() {
		if c.ChannelName() == name {
			return c, true
		}
	}
	return "", false
}
