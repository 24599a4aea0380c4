package crawler

import (
	"net/url"
	"strings"
)

// ResolveURL 将 backlog 或品牌列表中的链接补全为绝对地址。
//
// 已经是绝对地址的链接只做规范化（去掉 fragment 与首尾空白）；相对链接基于 base 解析。
// base 无法解析或 raw 为空时原样返回去空白后的 raw。
//
// 参数:
//
//	base: 站点根地址，例如 https://www.fragrantica.com
//	raw: 原始链接，例如 /perfume/Chanel/No-5-40069.html
//
// 返回值:
//
//	string: 绝对 URL
func ResolveURL(base, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	ref.Fragment = ""
	if ref.IsAbs() {
		return ref.String()
	}

	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil || !baseURL.IsAbs() {
		return raw
	}
	return baseURL.ResolveReference(ref).String()
}

// ResolveAll 对一组链接调用 ResolveURL，丢弃空串。
func ResolveAll(base string, raws []string) []string {
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		if u := ResolveURL(base, raw); u != "" {
			out = append(out, u)
		}
	}
	return out
}
