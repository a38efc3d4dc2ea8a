package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Value: dynamically typed script datum
// ---------------------------------------------------------------------------

// ValueType identifies the payload a Value currently holds.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeNative
	TypeVariableRef
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeObject
)

var valueTypeNames = [...]string{
	TypeNull:        "null",
	TypeNative:      "native",
	TypeVariableRef: "reference",
	TypeBool:        "bool",
	TypeInt:         "int",
	TypeFloat:       "float",
	TypeString:      "string",
	TypeObject:      "object",
}

// String implements the Stringer interface.
func (t ValueType) String() string {
	if t >= 0 && int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Ownership describes how a Value holds a native handle.
type Ownership int

const (
	// OwnershipBorrowed means the host owns the object. The value never
	// retains or releases it (the "persistent" flag of a native value).
	OwnershipBorrowed Ownership = iota
	// OwnershipShared means every value holding the handle owns one
	// reference on it.
	OwnershipShared
	// OwnershipOwned means the value took over an existing reference and is
	// so far its only holder. Copies of it become shared.
	OwnershipOwned
)

// objectIDs hands out identities for object values. Copies of an object keep
// the identity of the object they were copied from.
var objectIDs atomic.Uint64

// Value is a mutable, dynamically typed cell. Variables, stack slots,
// object properties and registers are all *Value; a reference value is a
// non-owning link to another cell.
type Value struct {
	typ       ValueType
	boolVal   bool
	intVal    int
	floatVal  float64
	strVal    string
	ref       *Value
	native    Scriptable
	ownership Ownership
	props     map[string]*Value
	objID     uint64

	// IsConst marks a variable declared const. It accepts one non-null
	// assignment.
	IsConst bool
}

// NewValue returns a Null value.
func NewValue() *Value {
	return &Value{}
}

// NewBool returns a bool value.
func NewBool(b bool) *Value {
	v := &Value{}
	v.SetBool(b)
	return v
}

// NewInt returns an int value.
func NewInt(i int) *Value {
	v := &Value{}
	v.SetInt(i)
	return v
}

// NewFloat returns a float value.
func NewFloat(f float64) *Value {
	v := &Value{}
	v.SetFloat(f)
	return v
}

// NewString returns a string value.
func NewString(s string) *Value {
	v := &Value{}
	v.SetString(s)
	return v
}

// NewNative returns a value holding a native handle.
func NewNative(obj Scriptable, persistent bool) *Value {
	v := &Value{}
	v.SetNative(obj, persistent)
	return v
}

// NewObject returns an empty object value.
func NewObject() *Value {
	v := &Value{}
	v.SetObject()
	return v
}

// NewReference returns a reference to target.
func NewReference(target *Value) *Value {
	v := &Value{}
	v.SetReference(target)
	return v
}

// deref follows one level of reference.
func (v *Value) deref() *Value {
	if v.typ == TypeVariableRef && v.ref != nil {
		return v.ref
	}
	return v
}

// Type returns the raw type, TypeVariableRef for references.
func (v *Value) Type() ValueType {
	return v.typ
}

// TypeTolerant returns the type of the referenced value for references.
func (v *Value) TypeTolerant() ValueType {
	return v.deref().typ
}

// Ref returns the target of a reference value, or nil.
func (v *Value) Ref() *Value {
	if v.typ == TypeVariableRef {
		return v.ref
	}
	return nil
}

func (v *Value) IsNull() bool   { return v.deref().typ == TypeNull }
func (v *Value) IsBool() bool   { return v.deref().typ == TypeBool }
func (v *Value) IsInt() bool    { return v.deref().typ == TypeInt }
func (v *Value) IsFloat() bool  { return v.deref().typ == TypeFloat }
func (v *Value) IsString() bool { return v.deref().typ == TypeString }
func (v *Value) IsNative() bool { return v.deref().typ == TypeNative }
func (v *Value) IsObject() bool { return v.deref().typ == TypeObject }

// IsNumeric reports whether the dereferenced value is an int, float or bool.
func (v *Value) IsNumeric() bool {
	switch v.deref().typ {
	case TypeInt, TypeFloat, TypeBool:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Setters
// ---------------------------------------------------------------------------

// cleanup releases the native handle (if owned) and resets to Null. It never
// writes through a reference.
func (v *Value) cleanup() {
	if v.typ == TypeNative && v.native != nil && v.ownership != OwnershipBorrowed {
		releaseNative(v.native)
	}
	v.typ = TypeNull
	v.boolVal = false
	v.intVal = 0
	v.floatVal = 0
	v.strVal = ""
	v.ref = nil
	v.native = nil
	v.ownership = OwnershipBorrowed
	v.props = nil
	v.objID = 0
}

// Reset turns the value into Null without following references.
func (v *Value) Reset() {
	v.cleanup()
}

// SetNull writes Null (through a reference).
func (v *Value) SetNull() {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetNull()
		return
	}
	v.cleanup()
}

// SetBool writes a bool (through a reference).
func (v *Value) SetBool(b bool) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetBool(b)
		return
	}
	v.cleanup()
	v.typ = TypeBool
	v.boolVal = b
}

// SetInt writes an int (through a reference).
func (v *Value) SetInt(i int) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetInt(i)
		return
	}
	v.cleanup()
	v.typ = TypeInt
	v.intVal = i
}

// SetFloat writes a float (through a reference).
func (v *Value) SetFloat(f float64) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetFloat(f)
		return
	}
	v.cleanup()
	v.typ = TypeFloat
	v.floatVal = f
}

// SetString writes a string (through a reference).
func (v *Value) SetString(s string) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetString(s)
		return
	}
	v.cleanup()
	v.typ = TypeString
	v.strVal = strings.Clone(s)
}

// SetReference makes v a link to target. Links to links collapse to the
// final target so a chain is never more than one level deep.
func (v *Value) SetReference(target *Value) {
	if target != nil && target.typ == TypeVariableRef {
		target = target.ref
	}
	if target == v {
		return
	}
	v.cleanup()
	if target == nil {
		return
	}
	v.typ = TypeVariableRef
	v.ref = target
}

// SetNative stores a native handle. A persistent handle is borrowed from the
// host; otherwise the value shares ownership and retains the object.
func (v *Value) SetNative(obj Scriptable, persistent bool) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetNative(obj, persistent)
		return
	}
	if obj == nil {
		v.cleanup()
		return
	}
	ownership := OwnershipShared
	if persistent {
		ownership = OwnershipBorrowed
	} else {
		retainNative(obj)
	}
	v.cleanup()
	v.typ = TypeNative
	v.native = obj
	v.ownership = ownership
}

// SetNativeOwned stores a native handle whose reference the caller hands
// over. No retain happens here; the value releases it when overwritten.
func (v *Value) SetNativeOwned(obj Scriptable) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetNativeOwned(obj)
		return
	}
	v.cleanup()
	if obj == nil {
		return
	}
	v.typ = TypeNative
	v.native = obj
	v.ownership = OwnershipOwned
}

// SetObject makes v an empty object (through a reference).
func (v *Value) SetObject() {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.SetObject()
		return
	}
	v.cleanup()
	v.typ = TypeObject
	v.props = make(map[string]*Value)
	v.objID = objectIDs.Add(1)
}

// Copy overwrites v with a value copy of src. Strings are duplicated,
// references copy the link, natives copy the handle, objects copy their
// properties recursively. IsConst of v is kept.
func (v *Value) Copy(src *Value) {
	if src == v {
		return
	}
	if src == nil {
		v.cleanup()
		return
	}

	var props map[string]*Value
	if src.typ == TypeObject {
		props = make(map[string]*Value, len(src.props))
		for name, p := range src.props {
			c := &Value{}
			c.Copy(p)
			c.IsConst = p.IsConst
			props[name] = c
		}
	}

	ownership := src.ownership
	if src.typ == TypeNative && src.native != nil && ownership != OwnershipBorrowed {
		retainNative(src.native)
		ownership = OwnershipShared
	}

	typ, b, i, f, s := src.typ, src.boolVal, src.intVal, src.floatVal, src.strVal
	ref, native, objID := src.ref, src.native, src.objID

	v.cleanup()
	v.typ = typ
	v.boolVal = b
	v.intVal = i
	v.floatVal = f
	v.strVal = strings.Clone(s)
	v.ref = ref
	v.native = native
	v.ownership = ownership
	v.props = props
	v.objID = objID
	if v.typ == TypeObject && v.props == nil {
		v.props = make(map[string]*Value)
	}
}

// Clone returns a new value holding a copy of v.
func (v *Value) Clone() *Value {
	c := &Value{}
	c.Copy(v)
	c.IsConst = v.IsConst
	return c
}

// SetValue assigns src to v the way a script assignment does: references are
// followed before copying.
func (v *Value) SetValue(src *Value) {
	if src == nil {
		v.cleanup()
		return
	}
	v.Copy(src.deref())
}

// ---------------------------------------------------------------------------
// Getters
// ---------------------------------------------------------------------------

// Bool coerces to bool with a false default for Null.
func (v *Value) Bool() bool {
	return v.BoolOr(false)
}

// BoolOr coerces to bool, returning def for Null and objects.
func (v *Value) BoolOr(def bool) bool {
	d := v.deref()
	switch d.typ {
	case TypeBool:
		return d.boolVal
	case TypeInt:
		return d.intVal != 0
	case TypeFloat:
		return d.floatVal != 0
	case TypeString:
		return strings.EqualFold(d.strVal, "1") ||
			strings.EqualFold(d.strVal, "yes") ||
			strings.EqualFold(d.strVal, "true")
	case TypeNative:
		if c, ok := d.native.(NativeConverter); ok {
			return c.ScToBool()
		}
		return true
	}
	return def
}

// Int coerces to int with a zero default for Null.
func (v *Value) Int() int {
	return v.IntOr(0)
}

// IntOr coerces to int, returning def for Null and objects.
func (v *Value) IntOr(def int) int {
	d := v.deref()
	switch d.typ {
	case TypeBool:
		if d.boolVal {
			return 1
		}
		return 0
	case TypeInt:
		return d.intVal
	case TypeFloat:
		return int(d.floatVal)
	case TypeString:
		return parseLeadingInt(d.strVal)
	case TypeNative:
		if c, ok := d.native.(NativeConverter); ok {
			return c.ScToInt()
		}
	}
	return def
}

// Float coerces to float64 with a zero default for Null.
func (v *Value) Float() float64 {
	return v.FloatOr(0)
}

// FloatOr coerces to float64, returning def for Null and objects.
func (v *Value) FloatOr(def float64) float64 {
	d := v.deref()
	switch d.typ {
	case TypeBool:
		if d.boolVal {
			return 1
		}
		return 0
	case TypeInt:
		return float64(d.intVal)
	case TypeFloat:
		return d.floatVal
	case TypeString:
		return parseLeadingFloat(d.strVal)
	case TypeNative:
		if c, ok := d.native.(NativeConverter); ok {
			return c.ScToFloat()
		}
	}
	return def
}

// String coerces to a string with an empty default for Null.
func (v *Value) String() string {
	return v.StringOr("")
}

// StringOr coerces to a string, returning def for Null.
func (v *Value) StringOr(def string) string {
	d := v.deref()
	switch d.typ {
	case TypeNull:
		return def
	case TypeBool:
		if d.boolVal {
			return "yes"
		}
		return "no"
	case TypeInt:
		return strconv.Itoa(d.intVal)
	case TypeFloat:
		return fmt.Sprintf("%f", d.floatVal)
	case TypeString:
		return d.strVal
	case TypeObject:
		return "[object]"
	case TypeNative:
		if c, ok := d.native.(NativeConverter); ok {
			return c.ScToString()
		}
		return "[native object]"
	}
	return def
}

// Native returns the native handle, or nil.
func (v *Value) Native() Scriptable {
	d := v.deref()
	if d.typ == TypeNative {
		return d.native
	}
	return nil
}

// Persistent reports whether the native handle is borrowed from the host.
func (v *Value) Persistent() bool {
	return v.deref().ownership == OwnershipBorrowed
}

// Ownership returns how the value holds its native handle.
func (v *Value) Ownership() Ownership {
	return v.deref().ownership
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

// SetProp stores a copy of val under name.
func (v *Value) SetProp(name string, val *Value) {
	v.setProp(name, val, false)
}

// SetConstProp stores a copy of val under name and marks it const.
func (v *Value) SetConstProp(name string, val *Value) {
	v.setProp(name, val, true)
}

func (v *Value) setProp(name string, val *Value, asConst bool) {
	if v.typ == TypeVariableRef && v.ref != nil {
		v.ref.setProp(name, val, asConst)
		return
	}
	if v.typ == TypeNative && v.native != nil {
		if v.native.SetProperty(name, val) {
			return
		}
	} else if v.typ != TypeNull && v.typ != TypeObject {
		vmLog.Warningf("type error: cannot set property '%s' on a %s value; converting to object", name, v.typ)
		v.cleanup()
	}

	if v.typ == TypeNull {
		v.typ = TypeObject
		v.objID = objectIDs.Add(1)
	}
	if v.props == nil {
		v.props = make(map[string]*Value)
	}
	slot, ok := v.props[name]
	if !ok {
		slot = &Value{}
		v.props[name] = slot
	}
	if val == nil {
		slot.cleanup()
	} else {
		slot.Copy(val)
	}
	slot.IsConst = asConst
}

// GetProp returns the property cell, or nil when absent.
func (v *Value) GetProp(name string) *Value {
	d := v.deref()
	if d.typ == TypeString && name == "Length" {
		return NewInt(len(d.strVal))
	}
	if d.typ == TypeNative && d.native != nil {
		if p, ok := d.native.GetProperty(name); ok && p != nil {
			return p
		}
	}
	if d.props == nil {
		return nil
	}
	return d.props[name]
}

// PropExists reports whether name is a stored property.
func (v *Value) PropExists(name string) bool {
	d := v.deref()
	if d.props == nil {
		return false
	}
	_, ok := d.props[name]
	return ok
}

// DeleteProp removes name and reports whether it existed.
func (v *Value) DeleteProp(name string) bool {
	d := v.deref()
	if d.props == nil {
		return false
	}
	p, ok := d.props[name]
	if ok {
		p.cleanup()
		delete(d.props, name)
	}
	return ok
}

// PropNames returns the stored property names in sorted order.
func (v *Value) PropNames() []string {
	d := v.deref()
	names := make([]string, 0, len(d.props))
	for name := range d.props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumProps returns the number of stored properties.
func (v *Value) NumProps() int {
	return len(v.deref().props)
}

// CleanProps sets every non-const property to Null. Native-valued
// properties survive unless includingNatives is set.
func (v *Value) CleanProps(includingNatives bool) {
	d := v.deref()
	for _, p := range d.props {
		if p.IsConst {
			continue
		}
		if p.IsNative() && !includingNatives {
			continue
		}
		p.cleanup()
	}
}

// ---------------------------------------------------------------------------
// Native reference counting
// ---------------------------------------------------------------------------

func retainNative(obj Scriptable) {
	if rc, ok := obj.(RefCounted); ok {
		rc.AddRef()
	}
}

func releaseNative(obj Scriptable) {
	if rc, ok := obj.(RefCounted); ok {
		rc.Release()
	}
}

// ---------------------------------------------------------------------------
// Numeric parsing with C library prefix semantics
// ---------------------------------------------------------------------------

func trimNumberSpace(s string) string {
	return strings.TrimLeft(s, " \t\n\r\v\f")
}

// parseLeadingInt parses the longest leading integer of s; 0 if none.
func parseLeadingInt(s string) int {
	s = trimNumberSpace(s)
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0
	}
	return n
}

// parseLeadingFloat parses the longest leading decimal float of s; 0 if none.
func parseLeadingFloat(s string) float64 {
	s = trimNumberSpace(s)
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	end := i
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		expStart := j
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j > expStart {
			end = j
		}
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return f
}

// GoString renders the value for debugging output.
func (v *Value) GoString() string {
	d := v.deref()
	prefix := ""
	if v.typ == TypeVariableRef {
		prefix = "&"
	}
	switch d.typ {
	case TypeString:
		return prefix + strconv.Quote(d.strVal)
	case TypeNull:
		return prefix + "null"
	case TypeNative:
		if d.native != nil {
			return prefix + "<" + d.native.ClassName() + ">"
		}
	case TypeObject:
		var sb strings.Builder
		sb.WriteString(prefix + "{")
		for i, name := range d.PropNames() {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(d.props[name].GoString())
		}
		sb.WriteString("}")
		return sb.String()
	}
	return prefix + d.String()
}
