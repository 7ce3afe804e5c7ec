package relay

import (
	"net/mail"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header(pairs map[string]string) mail.Header {
	h := mail.Header{}
	for name, value := range pairs {
		h[textproto.CanonicalMIMEHeaderKey(name)] = []string{value}
	}
	return h
}

func TestDetectLoop(t *testing.T) {
	t.Run("正常邮件不检出循环", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id": "<abc123@sender.example>",
			"Subject":    "hello",
		})

		reason, loop := DetectLoop(h, "alice@fwd.mail")
		assert.False(t, loop)
		assert.Empty(t, reason)
	})

	t.Run("循环标记命中当前收件人", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id":   "<abc123@sender.example>",
			"X-Loopbreaker": LoopMarkerValue("alice@fwd.mail"),
		})

		_, loop := DetectLoop(h, "alice@fwd.mail")
		assert.True(t, loop)
	})

	t.Run("循环标记属于其他收件人时放行", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id":   "<abc123@sender.example>",
			"X-Loopbreaker": LoopMarkerValue("bob@fwd.mail"),
		})

		_, loop := DetectLoop(h, "alice@fwd.mail")
		assert.False(t, loop)
	})

	t.Run("缺失MessageID视为循环", func(t *testing.T) {
		h := header(map[string]string{"Subject": "no id"})

		reason, loop := DetectLoop(h, "alice@fwd.mail")
		assert.True(t, loop)
		assert.Contains(t, reason, "message-id")
	})

	t.Run("畸形MessageID视为循环", func(t *testing.T) {
		h := header(map[string]string{"Message-Id": "<not-an-address>"})

		_, loop := DetectLoop(h, "alice@fwd.mail")
		assert.True(t, loop)
	})

	t.Run("References回指自身域名视为循环", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id": "<abc123@sender.example>",
			"References": "<older@Sender.Example>",
		})

		reason, loop := DetectLoop(h, "alice@fwd.mail")
		assert.True(t, loop)
		assert.Contains(t, reason, "References")
	})

	t.Run("InReplyTo回指自身域名视为循环", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id":  "<abc123@sender.example>",
			"In-Reply-To": "<parent@sender.example>",
		})

		_, loop := DetectLoop(h, "alice@fwd.mail")
		assert.True(t, loop)
	})

	t.Run("References指向其他域名放行", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id": "<abc123@sender.example>",
			"References": "<older@elsewhere.example>",
		})

		_, loop := DetectLoop(h, "alice@fwd.mail")
		assert.False(t, loop)
	})

	t.Run("收件人大小写不影响标记匹配", func(t *testing.T) {
		h := header(map[string]string{
			"Message-Id":   "<abc123@sender.example>",
			"X-Loopbreaker": LoopMarkerValue("alice@fwd.mail"),
		})

		_, loop := DetectLoop(h, "Alice@FWD.Mail")
		assert.True(t, loop)
	})
}
