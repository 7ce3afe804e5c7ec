package relay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// ParsedMessage 表示一封解析后的入站邮件。
//
// Body 保留原始（仍按传输编码）的正文字节，转发时原样透传；
// TextContent 按需解码出纯文本正文，仅引用包装时使用。
type ParsedMessage struct {
	Header  mail.Header
	Subject string // 已解码的主题
	Raw     []byte
	Body    []byte
}

// ParseMessage 解析原始邮件字节。
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &ParsedMessage{
		Header:  msg.Header,
		Subject: decodeHeader(msg.Header.Get("Subject")),
		Raw:     raw,
		Body:    body,
	}, nil
}

// TextContent 提取解码后的纯文本正文。
//
// multipart 邮件取第一个 text/plain 部分；其余情况按
// Content-Transfer-Encoding 与字符集解码整个正文。
func (p *ParsedMessage) TextContent() string {
	contentType := p.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 无 Content-Type 或解析失败，当作纯文本处理
		return string(p.Body)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return ""
		}
		mr := multipart.NewReader(bytes.NewReader(p.Body), boundary)
		return firstTextPart(mr)
	}

	body, err := decodeBody(bytes.NewReader(p.Body), p.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return string(p.Body)
	}
	return body
}

// firstTextPart 递归查找第一个 text/plain 部分。
func firstTextPart(mr *multipart.Reader) string {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if text := firstTextPart(multipart.NewReader(part, boundary)); text != "" {
					return text
				}
			}
			continue
		}

		if strings.HasPrefix(mediaType, "text/plain") {
			body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			if err != nil {
				continue
			}
			return body
		}
	}
}

// decodeBody 根据传输编码与字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit/8bit/binary 或未知编码，直接读取
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// charsetEncoding 根据字符集名称返回编码器。
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// decodeHeader 解码 MIME 编码的头部值。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
