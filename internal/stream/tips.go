package stream

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// TipSource supplies coaching tips shown while an evaluation runs.
type TipSource interface {
	Tips(ctx context.Context) ([]string, error)
}

type StaticTips []string

func (t StaticTips) Tips(context.Context) ([]string, error) {
	return t, nil
}

var DefaultTips = StaticTips{
	"Open with the outcome, then explain how you got there.",
	"Put a number on the impact whenever you can.",
	"Say \"I\" for what you did and \"we\" for what the team did.",
	"Close with what you would do differently next time.",
}

// FileTips reads one tip per line. Blank lines and lines starting with # are
// skipped. The file is read on every call so edits apply without a restart.
type FileTips struct {
	Path string
}

func (f FileTips) Tips(context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open tips: %w", err)
	}
	defer fh.Close()

	var tips []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tips = append(tips, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tips: %w", err)
	}
	return tips, nil
}
