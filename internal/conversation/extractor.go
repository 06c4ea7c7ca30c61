package conversation

import (
	"regexp"
	"strings"
)

// FieldExtractor turns free-text into known qualification fields. The keyword
// tables are policy, not fixed logic; swapping the implementation must not
// touch the state machine.
type FieldExtractor interface {
	ExtractFields(text string) map[string]string
}

// ---------- package-level compiled regexes ----------

var (
	// 12/05/2026, 12-05-26, 12.05.2026
	numericDateRE = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{2,4})\b`)
	// expires in March 2026, expiry march 2026, valid until jan 2027
	monthYearRE = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\s+(\d{4})\b`)
	expiryCueRE = regexp.MustCompile(`(?i)\b(expir\w*|valid until|valid till|renewal|renew)\b`)
)

// servicePatterns maps message keywords to service keys, ordered by
// specificity so "golden visa" wins over "visa".
var servicePatterns = []struct {
	pattern string
	key     string
}{
	{"golden visa", "golden_visa"},
	{"freelance visa", "freelance_visa"},
	{"visit visa", "visit_visa"},
	{"tourist visa", "visit_visa"},
	{"family visa", "family_visa"},
	{"residence visa", "residence_visa"},
	{"residency", "residence_visa"},
	{"visa renewal", "residence_visa"},
	{"visa", "residence_visa"},
	{"trade license", "trade_license"},
	{"trade licence", "trade_license"},
	{"business license", "trade_license"},
	{"license renewal", "trade_license"},
	{"company setup", "company_setup"},
	{"company formation", "company_setup"},
	{"business setup", "company_setup"},
	{"mainland company", "company_setup"},
	{"freezone", "freezone_setup"},
	{"free zone", "freezone_setup"},
	{"emirates id", "emirates_id"},
	{"eid renewal", "emirates_id"},
	{"attestation", "attestation"},
	{"attest", "attestation"},
	{"pro service", "pro_services"},
	{"pro services", "pro_services"},
	{"labour card", "labour_card"},
	{"labor card", "labour_card"},
	{"ejari", "ejari"},
	{"tenancy contract", "ejari"},
	{"bank account", "bank_account"},
	{"tax registration", "tax_registration"},
	{"corporate tax", "tax_registration"},
	{"vat", "tax_registration"},
}

// locationKeywords maps text to a normalized emirate.
var locationKeywords = map[string]string{
	"dubai":          "Dubai",
	"abu dhabi":      "Abu Dhabi",
	"abudhabi":       "Abu Dhabi",
	"sharjah":        "Sharjah",
	"ajman":          "Ajman",
	"fujairah":       "Fujairah",
	"ras al khaimah": "Ras Al Khaimah",
	"rak":            "Ras Al Khaimah",
	"umm al quwain":  "Umm Al Quwain",
	"al ain":         "Al Ain",
}

// nationalityKeywords covers the nationalities the sales team sees most.
// Demonyms and country names both map to the same value.
var nationalityKeywords = map[string]string{
	"indian":        "Indian",
	"india":         "Indian",
	"pakistani":     "Pakistani",
	"pakistan":      "Pakistani",
	"filipino":      "Filipino",
	"filipina":      "Filipino",
	"philippines":   "Filipino",
	"egyptian":      "Egyptian",
	"egypt":         "Egyptian",
	"british":       "British",
	"uk":            "British",
	"bangladeshi":   "Bangladeshi",
	"bangladesh":    "Bangladeshi",
	"nepali":        "Nepali",
	"nepal":         "Nepali",
	"sri lankan":    "Sri Lankan",
	"sri lanka":     "Sri Lankan",
	"jordanian":     "Jordanian",
	"jordan":        "Jordanian",
	"lebanese":      "Lebanese",
	"lebanon":       "Lebanese",
	"syrian":        "Syrian",
	"syria":         "Syrian",
	"nigerian":      "Nigerian",
	"nigeria":       "Nigerian",
	"kenyan":        "Kenyan",
	"kenya":         "Kenyan",
	"chinese":       "Chinese",
	"china":         "Chinese",
	"russian":       "Russian",
	"russia":        "Russian",
	"american":      "American",
	"usa":           "American",
	"canadian":      "Canadian",
	"canada":        "Canadian",
	"south african": "South African",
	"emirati":       "Emirati",
	"uae national":  "Emirati",
}

// KeywordExtractor is the default deterministic extractor.
type KeywordExtractor struct{}

// NewKeywordExtractor returns the default extraction policy.
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

// ExtractFields scans the text for service, nationality, location and expiry
// date mentions. Deterministic by construction: same text, same result.
func (e *KeywordExtractor) ExtractFields(text string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(text) == "" {
		return out
	}
	lower := strings.ToLower(text)

	for _, sp := range servicePatterns {
		if strings.Contains(lower, sp.pattern) {
			out[FieldService] = sp.key
			break
		}
	}

	if loc := matchLongestKeyword(lower, locationKeywords); loc != "" {
		out[FieldLocation] = loc
	}
	if nat := matchLongestKeyword(lower, nationalityKeywords); nat != "" {
		out[FieldNationality] = nat
	}
	if expiry := extractExpiry(lower); expiry != "" {
		out[FieldExpiryDate] = expiry
	}
	return out
}

// matchLongestKeyword picks the longest matching keyword so "abu dhabi"
// beats a shorter overlapping match.
func matchLongestKeyword(lower string, table map[string]string) string {
	best := ""
	bestLen := 0
	for keyword, value := range table {
		if strings.Contains(lower, keyword) && len(keyword) > bestLen {
			best = value
			bestLen = len(keyword)
		}
	}
	return best
}

func extractExpiry(lower string) string {
	if m := numericDateRE.FindString(lower); m != "" {
		return m
	}
	// Month-year forms only count near an expiry cue, otherwise any date
	// mention ("I arrived in May 2020") would be taken as an expiry.
	if expiryCueRE.MatchString(lower) {
		if m := monthYearRE.FindString(lower); m != "" {
			return m
		}
	}
	return ""
}
