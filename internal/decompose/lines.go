package decompose

import (
	"context"
	"strings"
	"unicode"
)

// LineSplitter 是不依赖模型的拆解实现：每个非空行是一个子任务，单行文本则按
// 分号拆分。行首的列表符号（"-"、"*"、"1."、"2)"）会被去掉。
type LineSplitter struct{}

// Decompose 实现 Service 接口。
func (LineSplitter) Decompose(ctx context.Context, text string) ([]Spec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 1 {
		lines = strings.Split(lines[0], ";")
	}
	specs := make([]Spec, 0, len(lines))
	for _, line := range lines {
		line = stripMarker(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		specs = append(specs, Spec{Description: line})
	}
	return specs, nil
}

func stripMarker(line string) string {
	switch {
	case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
		return strings.TrimSpace(line[2:])
	}
	digits := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits > 0 && digits < len(line) && (line[digits] == '.' || line[digits] == ')') {
		return strings.TrimSpace(line[digits+1:])
	}
	return line
}
