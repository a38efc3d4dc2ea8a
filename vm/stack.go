package vm

// ---------------------------------------------------------------------------
// Stack: reusable value stack
// ---------------------------------------------------------------------------

// Stack is a LIFO of value cells. Slots above the stack pointer are kept and
// reused by later pushes instead of being reallocated.
type Stack struct {
	values []*Value
	sp     int // index of the top value, -1 when empty

	underflowed bool
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{sp: -1}
}

// SP returns the stack pointer (-1 when empty).
func (s *Stack) SP() int {
	return s.sp
}

// Len returns the number of values on the stack.
func (s *Stack) Len() int {
	return s.sp + 1
}

// Underflowed reports whether a Pop was attempted on an empty stack since the
// last call to ClearUnderflow.
func (s *Stack) Underflowed() bool {
	return s.underflowed
}

// ClearUnderflow resets the underflow flag.
func (s *Stack) ClearUnderflow() {
	s.underflowed = false
}

// nextSlot advances the stack pointer and returns a cleared slot.
func (s *Stack) nextSlot() *Value {
	s.sp++
	if s.sp < len(s.values) {
		slot := s.values[s.sp]
		slot.cleanup()
		slot.IsConst = false
		return slot
	}
	slot := &Value{}
	s.values = append(s.values, slot)
	return slot
}

// Push copies v onto the stack.
func (s *Stack) Push(v *Value) {
	// v may be the popped slot that is about to be reused.
	if v != nil && s.sp+1 < len(s.values) && s.values[s.sp+1] == v {
		s.sp++
		return
	}
	slot := s.nextSlot()
	slot.Copy(v)
}

// PushNull pushes Null.
func (s *Stack) PushNull() {
	s.nextSlot()
}

// PushInt pushes an int.
func (s *Stack) PushInt(i int) {
	s.nextSlot().SetInt(i)
}

// PushFloat pushes a float.
func (s *Stack) PushFloat(f float64) {
	s.nextSlot().SetFloat(f)
}

// PushBool pushes a bool.
func (s *Stack) PushBool(b bool) {
	s.nextSlot().SetBool(b)
}

// PushString pushes a string.
func (s *Stack) PushString(str string) {
	s.nextSlot().SetString(str)
}

// PushNative pushes a native handle.
func (s *Stack) PushNative(obj Scriptable, persistent bool) {
	s.nextSlot().SetNative(obj, persistent)
}

// Pop removes and returns the top cell. The cell stays valid until the slot
// is reused by a later push. On underflow it logs, flags the stack and
// returns a fresh Null value.
func (s *Stack) Pop() *Value {
	if s.sp < 0 {
		vmLog.Error("Fatal: stack underflow")
		s.underflowed = true
		return NewValue()
	}
	v := s.values[s.sp]
	s.sp--
	return v
}

// Top returns the top cell without removing it, or nil when empty.
func (s *Stack) Top() *Value {
	if s.sp < 0 || s.sp >= len(s.values) {
		return nil
	}
	return s.values[s.sp]
}

// At returns the cell index positions below the top (0 is the top), or nil.
func (s *Stack) At(index int) *Value {
	i := s.sp - index
	if i < 0 || i >= len(s.values) || index < 0 {
		return nil
	}
	return s.values[i]
}

// Clear empties the stack and drops its slots.
func (s *Stack) Clear() {
	for _, v := range s.values {
		v.cleanup()
	}
	s.values = nil
	s.sp = -1
	s.underflowed = false
}

// Values returns the live cells bottom to top.
func (s *Stack) Values() []*Value {
	if s.sp < 0 {
		return nil
	}
	return s.values[:s.sp+1]
}

// CorrectParams pops the argument count pushed by the caller and leaves
// exactly expected arguments above the stack pointer. Arguments are pushed
// last-first, so the first argument is on top; surplus trailing arguments
// (furthest from the top) are dropped and missing ones are padded with Null.
func (s *Stack) CorrectParams(expected int) {
	if expected < 0 {
		expected = 0
	}
	actual := s.Pop().Int()
	if actual < 0 {
		actual = 0
	}
	if actual > s.Len() {
		actual = s.Len()
	}

	for actual > expected {
		idx := s.sp - expected
		removed := s.values[idx]
		removed.cleanup()
		copy(s.values[idx:], s.values[idx+1:])
		s.values[len(s.values)-1] = removed
		s.sp--
		actual--
	}

	for actual < expected {
		idx := s.sp - actual + 1
		s.sp++
		if s.sp >= len(s.values) {
			s.values = append(s.values, &Value{})
		}
		// rotate the spare slot at sp down to idx
		spare := s.values[s.sp]
		copy(s.values[idx+1:s.sp+1], s.values[idx:s.sp])
		spare.cleanup()
		spare.IsConst = false
		s.values[idx] = spare
		actual++
	}
}
