package server

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	reportPolicyOnce sync.Once
	reportPolicy     *bluemonday.Policy
)

// ReportHTMLPolicy returns the policy applied to generated reports before they
// are served. Reports are written by a model, so scripts, event handlers and
// javascript: URLs are removed while document structure and styling survive.
func ReportHTMLPolicy() *bluemonday.Policy {
	reportPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("html", "head", "body", "title", "style", "section", "header", "footer", "main", "article")
		policy.AllowAttrs("charset").OnElements("meta")
		policy.AllowElements("meta")
		policy.AllowAttrs("class", "id").Globally()
		policy.AllowAttrs("colspan", "rowspan").OnElements("td", "th")
		// style element contents are dropped unless unsafe content is allowed;
		// script stays disallowed so its contents are still skipped.
		policy.AllowUnsafe(true)
		policy.AllowURLSchemes("http", "https", "mailto")
		policy.AllowRelativeURLs(true)
		policy.RequireParseableURLs(true)
		reportPolicy = policy
	})
	return reportPolicy
}

// SanitizeReport cleans a generated HTML report.
func SanitizeReport(b []byte) []byte {
	return ReportHTMLPolicy().SanitizeBytes(b)
}
