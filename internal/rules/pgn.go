package rules

import (
	"fmt"
	"strings"
	"time"
)

// PGNHeader carries the tag pairs written ahead of the movetext.
type PGNHeader struct {
	Event       string
	Site        string
	Date        time.Time
	White       string
	Black       string
	Termination string
}

// BuildPGN renders a PGN document from SAN moves in play order. result is a
// PGN result token ("1-0", "0-1", "1/2-1/2" or "*").
func BuildPGN(h PGNHeader, sans []string, result string) string {
	if strings.TrimSpace(result) == "" {
		result = "*"
	}
	event := h.Event
	if event == "" {
		event = "Casual Game"
	}
	site := h.Site
	if site == "" {
		site = "chess-server"
	}
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Event \"%s\"]\n", sanitizePGN(event))
	fmt.Fprintf(&b, "[Site \"%s\"]\n", sanitizePGN(site))
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(orUnknown(h.White)))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(orUnknown(h.Black)))
	if strings.TrimSpace(h.Termination) != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(h.Termination))
	}
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", result)

	b.WriteString(MoveText(sans))
	if len(sans) > 0 {
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

// MoveText numbers SAN moves: "1. e4 e5 2. Nf3".
func MoveText(sans []string) string {
	var b strings.Builder
	for i := 0; i < len(sans); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(sans[i]))
		if i+1 < len(sans) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(sans[i+1]))
		}
	}
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "?"
	}
	return s
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", "")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
