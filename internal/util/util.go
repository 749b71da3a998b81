package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Very simple {var} replacement for campaign content. Placeholders like
// {name} are replaced per recipient at send time.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func newID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewCampaignID() string  { return newID("cmp_") }
func NewBatchID() string     { return newID("bat_") }
func NewRecipientID() string { return newID("rcp_") }
func NewOutcomeID() string   { return newID("out_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
