package vm

import (
	"cmp"
	"strings"
)

// Compare orders two values with type coercion and returns -1, 0 or 1.
//
// Natives compare by identity, then through a same-class NativeComparer,
// then by string form. Objects compare by identity. Null sorts below every
// non-Null value. If either side is numeric the comparison is numeric
// (integer when both are ints); otherwise strings compare case-insensitively.
func Compare(a, b *Value) int {
	a, b = a.deref(), b.deref()

	if a.typ == TypeNative && b.typ == TypeNative {
		if a.native == b.native {
			return 0
		}
		if a.native != nil && b.native != nil && a.native.ClassName() == b.native.ClassName() {
			if c, ok := a.native.(NativeComparer); ok {
				return sign(c.ScCompare(b.native))
			}
		}
		return compareFold(a.String(), b.String())
	}

	if a.typ == TypeObject && b.typ == TypeObject {
		return cmp.Compare(a.objID, b.objID)
	}

	switch {
	case a.typ == TypeNull && b.typ == TypeNull:
		return 0
	case a.typ == TypeNull:
		return -1
	case b.typ == TypeNull:
		return 1
	}

	if a.IsNumeric() || b.IsNumeric() {
		if a.typ == TypeInt && b.typ == TypeInt {
			return cmp.Compare(a.intVal, b.intVal)
		}
		return cmp.Compare(a.Float(), b.Float())
	}

	return compareFold(a.String(), b.String())
}

// CompareStrict is Compare with the precondition that both sides have the
// same (dereferenced) type. Mismatched types are never equal and order by
// type tag.
func CompareStrict(a, b *Value) int {
	ta, tb := a.TypeTolerant(), b.TypeTolerant()
	if ta != tb {
		return cmp.Compare(ta, tb)
	}
	return Compare(a, b)
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
