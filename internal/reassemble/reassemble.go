// Package reassemble builds the flat keyed view that rule evaluation
// runs against, from the headers/body/macros a session accumulated over
// one SMTP transaction. It reconstructs a synthetic RFC 5322 stream and
// hands it to github.com/emersion/go-message/mail.
package reassemble

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/idna"
	"golang.org/x/text/transform"

	"github.com/nsmail/milteragent/milter/milterutil"
)

// NoneMarker is the literal placeholder the flat view uses for an absent
// From/To/Subject; downstream rules can and do match this literal.
const NoneMarker = "(なし)"

// HeaderFields is the ordered multi-map of headers a session accumulates:
// one entry per distinct header name, in first-seen order, each carrying
// every value received for that name in receive order.
type HeaderFields struct {
	names  []string
	values map[string][]string
}

// NewHeaderFields returns an empty, ready-to-use HeaderFields.
func NewHeaderFields() *HeaderFields {
	return &HeaderFields{values: make(map[string][]string)}
}

// Add appends value to name, preserving the original case of the first
// occurrence of name and the order headers were added in.
func (h *HeaderFields) Add(name, value string) {
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, name)
	}
	h.values[key] = append(h.values[key], value)
}

func (h *HeaderFields) get(name string) []string {
	return h.values[strings.ToLower(name)]
}

// View is the flat keyed map rule evaluation runs against.
type View map[string]string

// Build reassembles headers, body and macros (as captured by a session)
// into a View. remoteHostMacro is the raw value of the sendmail-style
// "host [ip]" macro captured at DATA time, or empty if none was seen.
func Build(headers *HeaderFields, body []byte, macros map[string]string, remoteHostMacro string) (View, error) {
	raw := synthesize(headers, body)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if message.IsUnknownCharset(err) {
			// tolerate an unknown charset exactly like the header reader does:
			// r is still usable, just without charset-aware decoding for that part.
		} else {
			return nil, fmt.Errorf("reassemble: parse message: %w", err)
		}
	}

	view := make(View)

	from, err := r.Header.AddressList("From")
	if err != nil && !message.IsUnknownCharset(err) {
		from = nil
	}
	view["decode_from"] = formatAddressList(from)

	to, err := r.Header.AddressList("To")
	if err != nil && !message.IsUnknownCharset(err) {
		to = nil
	}
	view["decode_to"] = formatAddressList(to)

	subject, err := r.Header.Subject()
	if err != nil || subject == "" {
		view["decode_subject"] = NoneMarker
	} else {
		view["decode_subject"] = subject
	}

	var text, html strings.Builder
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, ctErr := h.ContentType()
			if ctErr != nil {
				continue
			}
			typ, subtype, ok := splitContentType(ct)
			if !ok || typ != "text" {
				continue
			}
			b, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch subtype {
			case "plain":
				text.Write(b)
				text.WriteByte('\n')
			case "html":
				html.Write(b)
				html.WriteByte('\n')
			}
		case *mail.AttachmentHeader:
			// attachments are not text parts and are excluded from decode_text/decode_html
		}
	}
	view["decode_text"] = text.String()
	view["decode_html"] = html.String()

	host, ip := splitRemoteHostMacro(remoteHostMacro)
	view["decode_remote_host"] = host
	view["decode_remote_ip"] = ip

	for name, value := range macros {
		view["macro_"+strings.ToLower(name)] = value
	}
	for _, name := range headers.names {
		lc := strings.ToLower(name)
		joined := strings.Join(headers.get(name), ", ")
		view["header_"+lc] = joined
		view[lc] = joined
	}

	return view, nil
}

// synthesize builds the synthetic RFC 5322 byte stream: every header
// value in insertion order, a blank line, then the body with all
// newlines canonicalized to CRLF.
func synthesize(headers *HeaderFields, body []byte) []byte {
	var buf bytes.Buffer
	for _, name := range headers.names {
		for _, v := range headers.get(name) {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	canon := &milterutil.CrLfCanonicalizationTransformer{}
	canonicalized, _, err := transform.String(canon, string(body))
	if err != nil {
		buf.Write(body)
	} else {
		buf.WriteString(canonicalized)
	}
	return buf.Bytes()
}

func formatAddressList(addrs []*mail.Address) string {
	if len(addrs) == 0 {
		return NoneMarker
	}
	formatted := make([]string, len(addrs))
	for i, a := range addrs {
		formatted[i] = formatAddress(a)
	}
	return strings.Join(formatted, ", ")
}

// formatAddress renders a as "Name <addr>" or bare addr when name is
// empty, ASCII-folding an internationalized domain part via IDNA so
// downstream regexes comparing against ASCII domains still match
// homograph-equivalent non-ASCII domains.
func formatAddress(a *mail.Address) string {
	addr := a.Address
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		local, domain := addr[:at], addr[at+1:]
		if !isASCII(domain) {
			if ascii, err := idna.ToASCII(domain); err == nil {
				domain = ascii
			}
		}
		addr = local + "@" + domain
	}
	if a.Name == "" {
		return addr
	}
	return a.Name + " <" + addr + ">"
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func splitContentType(ct string) (typ, subtype string, ok bool) {
	slash := strings.IndexByte(ct, '/')
	if slash < 0 {
		return "", "", false
	}
	return strings.ToLower(ct[:slash]), strings.ToLower(ct[slash+1:]), true
}

// splitRemoteHostMacro parses the sendmail "_" macro value, formatted as
// "host [ip]", into its two components. Missing pieces become "unknown".
func splitRemoteHostMacro(raw string) (host, ip string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown", "unknown"
	}
	open := strings.LastIndexByte(raw, '[')
	close := strings.LastIndexByte(raw, ']')
	if open < 0 || close < open {
		return raw, "unknown"
	}
	host = strings.TrimSpace(raw[:open])
	ip = raw[open+1 : close]
	if host == "" {
		host = "unknown"
	}
	if ip == "" {
		ip = "unknown"
	}
	return host, ip
}
