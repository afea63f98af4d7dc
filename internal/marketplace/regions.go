package marketplace

import (
	"fmt"
	"strings"
)

var countryDomains = map[string]string{
	"US": "amazon.com",
	"CA": "amazon.ca",
	"MX": "amazon.com.mx",
	"BR": "amazon.com.br",
	"GB": "amazon.co.uk",
	"UK": "amazon.co.uk",
	"DE": "amazon.de",
	"FR": "amazon.fr",
	"IT": "amazon.it",
	"ES": "amazon.es",
	"NL": "amazon.nl",
	"SE": "amazon.se",
	"PL": "amazon.pl",
	"BE": "amazon.com.be",
	"TR": "amazon.com.tr",
	"AE": "amazon.ae",
	"SA": "amazon.sa",
	"EG": "amazon.eg",
	"IN": "amazon.in",
	"JP": "amazon.co.jp",
	"AU": "amazon.com.au",
	"SG": "amazon.sg",
}

// Domain returns the storefront domain for a marketplace country code.
func Domain(country string) string {
	if d, ok := countryDomains[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return d
	}
	return "amazon.com"
}

func OrderLink(country, orderID string) string {
	return fmt.Sprintf("https://www.%s/gp/your-account/order-details?orderID=%s", Domain(country), orderID)
}

func ReviewLink(country, asin string) string {
	if asin == "" {
		return ""
	}
	return fmt.Sprintf("https://www.%s/review/create-review?asin=%s", Domain(country), asin)
}

func FeedbackLink(country string) string {
	return fmt.Sprintf("https://www.%s/hz/feedback", Domain(country))
}
