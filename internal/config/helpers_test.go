package config

import (
	"io"

	logx "kbconsole/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func newTestLogger(w io.Writer) logx.Logger { return logx.NewWriter(w, "debug") }
