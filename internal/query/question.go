package query

import (
	"regexp"
	"strconv"
	"strings"
)

// The question parser recognizes a small closed set of phrasings and maps
// them onto Filter fields. Anything left over after matching is a signal the
// question asks for something the filter set cannot express, and the whole
// input is rejected rather than half-understood.

var (
	reQuoted    = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	reSaidBy    = regexp.MustCompile(`\b(?:said|spoken)\s+by\s+(\S+)`)
	reFromTag   = regexp.MustCompile(`\bspeaker[:=]\s*(\S+)`)
	reSession   = regexp.MustCompile(`\bsession[:=]?\s*([0-9a-fA-F-]{4,})`)
	reMention   = regexp.MustCompile(`\b(?:mentioning|containing|about|with)\s+(\S+)`)
	reContains  = regexp.MustCompile(`\bcontains?[:=]\s*(\S+)`)
	reBetween   = regexp.MustCompile(`\bbetween\s+(\d+(?:\.\d+)?)\s+and\s+(\d+(?:\.\d+)?)\s+seconds?`)
	reAfterSec  = regexp.MustCompile(`\bafter\s+(\d+(?:\.\d+)?)\s+seconds?`)
	reBeforeSec = regexp.MustCompile(`\bbefore\s+(\d+(?:\.\d+)?)\s+seconds?`)
	reLimit     = regexp.MustCompile(`\b(?:top|first|limit)\s+(\d+)`)
)

// fillerWords may remain after all recognizers ran without making the
// question unsupported.
var fillerWords = map[string]bool{
	"show": true, "me": true, "find": true, "all": true, "the": true,
	"segments": true, "segment": true, "transcripts": true, "transcript": true,
	"conversations": true, "conversation": true, "what": true, "was": true,
	"said": true, "get": true, "list": true, "of": true, "in": true,
	"from": true, "a": true, "an": true, "everything": true, "anything": true,
	"spoken": true, "words": true, "text": true, "lines": true, "things": true,
	"containing": true, "mentioning": true, "saying": true, "that": true,
	"about": true, "did": true, "say": true,
}

// ParseQuestion maps a natural-language question onto a Filter. Questions
// outside the recognized forms return an UnsupportedQueryError naming the
// fragment that did not parse; no SQL is ever built from unrecognized text.
func ParseQuestion(question string) (Filter, error) {
	var f Filter
	rest := strings.TrimSpace(question)
	if rest == "" {
		return Filter{}, &UnsupportedQueryError{Input: question, Reason: "empty question"}
	}
	matched := false

	if m := reQuoted.FindStringSubmatch(rest); m != nil {
		if m[1] != "" {
			f.Contains = m[1]
		} else {
			f.Contains = m[2]
		}
		rest = strings.Replace(rest, m[0], " ", 1)
		matched = true
	}

	consume := func(re *regexp.Regexp, apply func([]string)) {
		if m := re.FindStringSubmatch(rest); m != nil {
			apply(m)
			rest = strings.Replace(rest, m[0], " ", 1)
			matched = true
		}
	}

	consume(reSaidBy, func(m []string) { f.Speaker = strings.Trim(m[1], `"',.?`) })
	consume(reFromTag, func(m []string) { f.Speaker = strings.Trim(m[1], `"',.?`) })
	consume(reSession, func(m []string) { f.SessionID = m[1] })
	consume(reBetween, func(m []string) {
		from, _ := strconv.ParseFloat(m[1], 64)
		to, _ := strconv.ParseFloat(m[2], 64)
		f.TimeFrom = &from
		f.TimeTo = &to
	})
	consume(reAfterSec, func(m []string) {
		from, _ := strconv.ParseFloat(m[1], 64)
		f.TimeFrom = &from
	})
	consume(reBeforeSec, func(m []string) {
		to, _ := strconv.ParseFloat(m[1], 64)
		f.TimeTo = &to
	})
	consume(reLimit, func(m []string) {
		n, _ := strconv.Atoi(m[1])
		f.Limit = n
	})
	if f.Contains == "" {
		consume(reContains, func(m []string) { f.Contains = strings.Trim(m[1], `"',.?`) })
		if f.Contains == "" {
			consume(reMention, func(m []string) { f.Contains = strings.Trim(m[1], `"',.?`) })
		}
	}

	if !matched {
		return Filter{}, &UnsupportedQueryError{Input: question, Reason: "no recognized filter in question"}
	}

	// Whatever remains must be filler. A residue like "longest" or "summarize"
	// means the question asks for more than filtering can answer.
	for _, word := range strings.Fields(rest) {
		w := strings.ToLower(strings.Trim(word, `"',.?!`))
		if w == "" || fillerWords[w] {
			continue
		}
		return Filter{}, &UnsupportedQueryError{Input: question, Reason: "unrecognized fragment " + strconv.Quote(word)}
	}

	return f, nil
}
