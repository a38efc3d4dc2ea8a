package vm

import (
	"github.com/tliron/commonlog"
)

var (
	vmLog      = commonlog.GetLogger("wmscript.vm")
	engineLog  = commonlog.GetLogger("wmscript.engine")
	persistLog = commonlog.GetLogger("wmscript.persist")
)
