package state

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadBacklog 读取 URL 列表 CSV：跳过首行表头，取第一列，去重并保持顺序。
func ReadBacklog(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}
	defer f.Close()
	return parseBacklog(f)
}

func parseBacklog(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		out    []string
		seen   = make(map[string]struct{})
		header = true
	)
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse backlog: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(rec) == 0 {
			continue
		}
		u := strings.TrimSpace(rec[0])
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
