package domain

import (
	"maps"
	"strconv"
)

// AttributeValue is the closed set of scalar types allowed in a targeting
// Context. The unexported method keeps the set closed to this package.
type AttributeValue interface {
	// Native returns the Go value carried by the variant.
	Native() any
	String() string
	isAttributeValue()
}

type (
	StringValue string
	DoubleValue float64
	IntValue    int32
	ShortValue  int16
	LongValue   int64
	BoolValue   bool
)

func (v StringValue) Native() any { return string(v) }
func (v DoubleValue) Native() any { return float64(v) }
func (v IntValue) Native() any    { return int32(v) }
func (v ShortValue) Native() any  { return int16(v) }
func (v LongValue) Native() any   { return int64(v) }
func (v BoolValue) Native() any   { return bool(v) }

func (v StringValue) String() string { return string(v) }
func (v DoubleValue) String() string { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v IntValue) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v ShortValue) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v LongValue) String() string   { return strconv.FormatInt(int64(v), 10) }
func (v BoolValue) String() string   { return strconv.FormatBool(bool(v)) }

func (StringValue) isAttributeValue() {}
func (DoubleValue) isAttributeValue() {}
func (IntValue) isAttributeValue()    {}
func (ShortValue) isAttributeValue()  {}
func (LongValue) isAttributeValue()   {}
func (BoolValue) isAttributeValue()   {}

// AsFloat64 widens any numeric variant. Strings and booleans report false.
func AsFloat64(v AttributeValue) (float64, bool) {
	switch n := v.(type) {
	case DoubleValue:
		return float64(n), true
	case IntValue:
		return float64(n), true
	case ShortValue:
		return float64(n), true
	case LongValue:
		return float64(n), true
	case StringValue, BoolValue:
		return 0, false
	default:
		return 0, false
	}
}

// Context holds the targeting attributes used by evaluators. An empty string
// means the field is absent. Contexts are immutable: With* methods copy.
type Context struct {
	UserID     string
	Country    string
	Language   string
	AppVersion string
	DeviceID   string

	attributes map[string]AttributeValue
}

// NewContext creates a context for the given user.
func NewContext(userID string) Context {
	return Context{UserID: userID}
}

func (c Context) WithCountry(country string) Context {
	c.Country = country
	return c
}

func (c Context) WithLanguage(language string) Context {
	c.Language = language
	return c
}

func (c Context) WithAppVersion(version string) Context {
	c.AppVersion = version
	return c
}

func (c Context) WithDeviceID(deviceID string) Context {
	c.DeviceID = deviceID
	return c
}

// WithAttribute returns a copy of c carrying name=value.
func (c Context) WithAttribute(name string, value AttributeValue) Context {
	attrs := make(map[string]AttributeValue, len(c.attributes)+1)
	maps.Copy(attrs, c.attributes)
	attrs[name] = value
	c.attributes = attrs
	return c
}

func (c Context) Attribute(name string) (AttributeValue, bool) {
	v, ok := c.attributes[name]
	return v, ok
}

// Attributes returns a copy of the custom attributes.
func (c Context) Attributes() map[string]AttributeValue {
	return maps.Clone(c.attributes)
}

// NativeAttributes flattens the attributes to plain Go values, for
// expression environments.
func (c Context) NativeAttributes() map[string]any {
	out := make(map[string]any, len(c.attributes))
	for name, v := range c.attributes {
		out[name] = v.Native()
	}
	return out
}
