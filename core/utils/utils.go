package utils

import (
	"net/url"
	"sort"
	"strings"
)

// ParseQuery 解析 a=1&b=2 形式的参数串，重复的键以最后一次为准。
// 键和值都做百分号解码（'+' 视为空格），解码失败时保留原文。
func ParseQuery(rawQuery string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		result[unescape(key)] = unescape(value)
	}
	return result
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// SortedKeys 返回按字典序排好的键
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
