package domain

import (
	"errors"
	"strings"
)

var (
	// ErrAddressMalformed 表示地址无法拆分为 local-part@domain。
	ErrAddressMalformed = errors.New("address malformed")
)

// NormalizeAddress 规范化邮件地址：去除首尾空白与尖括号并转为小写。
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// SplitAddress 将地址拆分为 local-part 和域名两部分。
//
// 地址必须恰好包含一个 "@"，且两侧均非空，否则返回 ErrAddressMalformed。
// 返回值均已转为小写，邮箱查找因此天然不区分大小写。
func SplitAddress(addr string) (localPart, domainName string, err error) {
	addr = NormalizeAddress(addr)
	parts := strings.Split(addr, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrAddressMalformed
	}
	return parts[0], parts[1], nil
}

// DomainOf 提取地址的域名部分，无法解析时返回空字符串。
func DomainOf(addr string) string {
	_, domainName, err := SplitAddress(addr)
	if err != nil {
		return ""
	}
	return domainName
}
