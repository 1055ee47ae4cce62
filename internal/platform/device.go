package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

var ErrNoBattery = errors.New("no battery found")

// SysfsPower reads battery state from the Linux power_supply class.
type SysfsPower struct {
	Root string
}

func NewSysfsPower() SysfsPower {
	return SysfsPower{Root: "/sys/class/power_supply"}
}

func (p SysfsPower) PowerInfo(context.Context) (*sample.Battery, error) {
	matches, err := filepath.Glob(filepath.Join(p.Root, "BAT*"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNoBattery
	}
	dir := matches[0]

	raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
	if err != nil {
		return nil, err
	}
	level, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return nil, err
	}

	status, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		return nil, err
	}
	s := strings.TrimSpace(string(status))
	return &sample.Battery{Level: level, Charging: s == "Charging" || s == "Full"}, nil
}

// VisibilityState tracks whether the agent is in the foreground.
type VisibilityState struct {
	hidden atomic.Bool
}

func (v *VisibilityState) Set(visible bool) { v.hidden.Store(!visible) }

func (v *VisibilityState) String() string {
	if v.hidden.Load() {
		return "hidden"
	}
	return "visible"
}

// LogStatus writes user-facing status lines to the log.
type LogStatus struct {
	logger *zap.Logger
}

func NewLogStatus(logger *zap.Logger) LogStatus {
	return LogStatus{logger: logging.OrNop(logger)}
}

func (s LogStatus) Status(message string) {
	s.logger.Info("status", zap.String("message", message))
}
