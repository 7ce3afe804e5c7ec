package relay

import (
	"fmt"
	"net/mail"
	"strings"

	"fwdmail/relay/internal/domain"
)

const (
	// LoopMarkerHeader 是本系统在每封转发邮件上添加的循环标记头。
	LoopMarkerHeader = "X-Loopbreaker"

	loopMarkerPrefix = "loopbreaker"
)

// LoopMarkerValue 返回指定邮箱地址对应的循环标记值。
func LoopMarkerValue(address string) string {
	return loopMarkerPrefix + domain.NormalizeAddress(address)
}

// DetectLoop 判断转发这封邮件是否会形成邮件循环。
//
// 依次检查，命中即止：
//  1. 循环标记头中出现当前收件地址：邮件已被本系统转发过一轮。
//  2. Message-ID 缺失或不是 local@domain 形式：视为可疑，拒绝转发
//     （fail-closed，宁可不转发也不冒循环风险）。
//  3. References 或 In-Reply-To 提及 Message-ID 的域名：回环会话。
//
// 返回的原因只用于日志；检出循环不产生投递事件，因为邮件
// 在此之前已经被接受并持久化，是否转发是转发器的内部决策。
func DetectLoop(header mail.Header, recipient string) (reason string, loop bool) {
	recipient = domain.NormalizeAddress(recipient)

	if marker := header.Get(LoopMarkerHeader); marker != "" {
		if strings.Contains(marker, LoopMarkerValue(recipient)) {
			return fmt.Sprintf("loop marker for %s present", recipient), true
		}
	}

	messageID := strings.Trim(strings.TrimSpace(header.Get("Message-Id")), "<>")
	_, messageDomain, err := domain.SplitAddress(messageID)
	if err != nil {
		return "message-id missing or malformed", true
	}

	needle := "@" + messageDomain
	for _, name := range []string{"References", "In-Reply-To"} {
		if value := header.Get(name); strings.Contains(strings.ToLower(value), needle) {
			return fmt.Sprintf("%s header references own domain %s", name, messageDomain), true
		}
	}

	return "", false
}
