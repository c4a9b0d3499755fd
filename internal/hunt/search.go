package hunt

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/pcap"
)

// matcher is a compiled packet-content predicate. Implementations must be
// safe for concurrent use; the scan fans out across sessions.
type matcher interface {
	Match(payload []byte) bool
}

type asciiMatcher struct {
	needle        string
	caseSensitive bool
}

func (m *asciiMatcher) Match(payload []byte) bool {
	if m.caseSensitive {
		return strings.Contains(string(payload), m.needle)
	}
	return strings.Contains(strings.ToLower(string(payload)), m.needle)
}

type hexMatcher struct {
	needle string // lowercase hex
}

func (m *hexMatcher) Match(payload []byte) bool {
	return strings.Contains(hex.EncodeToString(payload), m.needle)
}

type regexMatcher struct {
	re    *regexp.Regexp
	onHex bool
}

func (m *regexMatcher) Match(payload []byte) bool {
	if m.onHex {
		return m.re.MatchString(hex.EncodeToString(payload))
	}
	return m.re.Match(payload)
}

// compileMatcher builds the predicate for a hunt's search pattern. Go's
// regexp is RE2, so hostile patterns cannot backtrack catastrophically; a
// pattern that fails to compile latches the hunt unrunnable.
func compileMatcher(searchType, search string) (matcher, error) {
	switch searchType {
	case esstore.HuntSearchASCII:
		return &asciiMatcher{needle: strings.ToLower(search)}, nil
	case esstore.HuntSearchASCIICase:
		return &asciiMatcher{needle: search, caseSensitive: true}, nil
	case esstore.HuntSearchHex:
		return &hexMatcher{needle: strings.ToLower(strings.ReplaceAll(search, " ", ""))}, nil
	case esstore.HuntSearchRegex:
		re, err := regexp.Compile(search)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", search, err)
		}
		return &regexMatcher{re: re}, nil
	case esstore.HuntSearchHexRegex:
		re, err := regexp.Compile(strings.ToLower(search))
		if err != nil {
			return nil, fmt.Errorf("invalid hex regex %q: %w", search, err)
		}
		return &regexMatcher{re: re, onHex: true}, nil
	case esstore.HuntSearchWildcard:
		re, err := regexp.Compile(wildcardToRegex(search))
		if err != nil {
			return nil, fmt.Errorf("invalid wildcard %q: %w", search, err)
		}
		return &regexMatcher{re: re}, nil
	}
	return nil, fmt.Errorf("unknown search type %q", searchType)
}

func wildcardToRegex(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`(?s:.*)`)
		case '?':
			b.WriteString(`(?s:.)`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// packetSearch scans the session's PCAP bytes for the hunt's pattern,
// returning true at the first matching packet.
func (e *Engine) packetSearch(ctx context.Context, sess *esstore.Session, h *esstore.Hunt, m matcher) (bool, error) {
	fp := pcap.Fingerprint{
		SrcIP:   sess.SrcIP,
		DstIP:   sess.DstIP,
		SrcPort: sess.SrcPort,
		DstPort: sess.DstPort,
	}

	matched := false
	reassembledBytes := 0

	err := e.pcaps.EachSessionPacket(ctx, sess, pcap.ModeRead, func(handle *pcap.Handle, offset int64) error {
		if matched {
			return nil
		}
		pkt, err := handle.ReadPacket(offset)
		if err != nil {
			return err
		}
		dec := handle.Decode(pkt)

		// Direction filter applies when only one side is hunted. Packets
		// whose addressing could not be parsed count as client to server.
		if h.Src != h.Dst {
			forward := dec.SrcIP == nil || dec.MatchesForward(fp)
			if h.Src && !forward || h.Dst && forward {
				return nil
			}
		}

		switch h.Type {
		case esstore.HuntTypeRaw:
			// With both directions hunted the full wire bytes are searched;
			// otherwise only the filtered side's payload.
			if h.Src && h.Dst {
				matched = m.Match(pkt.Data)
			} else {
				matched = m.Match(dec.Payload)
			}
		default: // reassembled
			if h.Size > 0 && reassembledBytes >= h.Size {
				return nil
			}
			payload := dec.Payload
			if h.Size > 0 && reassembledBytes+len(payload) > h.Size {
				payload = payload[:h.Size-reassembledBytes]
			}
			reassembledBytes += len(payload)
			matched = m.Match(payload)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}
