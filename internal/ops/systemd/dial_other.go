//go:build !linux

package systemd

import (
	"context"

	logx "notifyrelay/pkg/logx"
)

func New(context.Context, Config, logx.Logger) (*Unit, error) { return nil, ErrUnsupported }
