package rewrite

import (
	"net/url"
	"strings"
)

// DefaultTrackerDomains are analytics and ad hosts whose scripts are dropped.
// Matching is a best-effort substring test on the script host, not a
// content-security boundary.
var DefaultTrackerDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googlesyndication.com",
	"googleadservices.com",
	"doubleclick.net",
	"adservice.google.",
	"connect.facebook.net",
	"amazon-adsystem.com",
	"scorecardresearch.com",
	"hotjar.com",
	"taboola.com",
	"outbrain.com",
	"quantserve.com",
	"criteo.com",
	"adnxs.com",
}

// trackerList matches script sources against a domain denylist.
type trackerList []string

func newTrackerList(domains []string) trackerList {
	out := make(trackerList, 0, len(domains))
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func (l trackerList) with(extra []string) trackerList {
	if len(extra) == 0 {
		return l
	}
	return append(append(trackerList{}, l...), newTrackerList(extra)...)
}

// matches reports whether the host of the absolute URL contains a listed domain.
func (l trackerList) matches(absolute string) bool {
	u, err := url.Parse(absolute)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range l {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}
