package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/chazu/wmscript/vm"
)

// headlessHost serves script files from a list of directories and
// implements the few game-level functions that make sense without a game.
type headlessHost struct {
	*vm.ObjectRegistry
	dirs []string
	out  io.Writer
}

func newHeadlessHost(dirs []string, out io.Writer) *headlessHost {
	return &headlessHost{
		ObjectRegistry: vm.NewObjectRegistry(),
		dirs:           dirs,
		out:            out,
	}
}

// ReadFile returns the first match in the search directories.
func (h *headlessHost) ReadFile(filename string) ([]byte, error) {
	for _, dir := range h.dirs {
		data, err := vm.FileHost{Dir: dir}.ReadFile(filename)
		if errors.Is(err, vm.ErrScriptNotFound) {
			continue
		}
		return data, err
	}
	return nil, fmt.Errorf("%s: %w", filename, vm.ErrScriptNotFound)
}

func (h *headlessHost) ValidObject(obj vm.Scriptable) bool {
	return h.Valid(obj)
}

func (h *headlessHost) ExternalCall(s *vm.Script, stack *vm.Stack, _ *vm.Stack, name string) bool {
	switch name {
	case "Print":
		stack.CorrectParams(1)
		fmt.Fprintln(h.out, stack.Pop().String())
		stack.PushNull()

	case "Log":
		stack.CorrectParams(1)
		log.Infof("[%s] %s", s.Filename(), stack.Pop().String())
		stack.PushNull()

	case "GetGameTime":
		stack.CorrectParams(0)
		stack.PushInt(int(s.Engine().Clock().GameTime()))

	default:
		return false
	}
	return true
}

func (h *headlessHost) QuickMessage(text string) {
	fmt.Fprintf(h.out, "[message] %s\n", text)
}
