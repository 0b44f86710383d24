package router

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Parameter keys produced by slot extraction.
const (
	ParamQuery        = "query"
	ParamLang         = "lang"
	ParamLocation     = "location"
	ParamSalaryMin    = "salary_min"
	ParamSeniority    = "seniority"
	ParamDelaySeconds = "delay_seconds"
)

type valuePattern struct {
	re    *regexp.Regexp
	value string
}

func word(alts ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(alts, `|`) + `)(?:$|[^\p{L}\p{N}])`)
}

var (
	langPatterns = []valuePattern{
		{word(`русск\p{L}*`, `russian`, `ru`), "ru"},
		{word(`английск\p{L}*`, `english`, `en`), "en"},
		{word(`немецк\p{L}*`, `german`, `de`), "de"},
		{word(`французск\p{L}*`, `french`, `fr`), "fr"},
	}
	langTarget = regexp.MustCompile(`(?i)(?:^|\s)(?:на|to|into)\s+(\p{L}+)`)

	seniorityPatterns = []valuePattern{
		{word(`джун\p{L}*`, `junior`, `младш\p{L}*`), "junior"},
		{word(`мидд?л\p{L}*`, `middle`, `средн\p{L}*`), "middle"},
		{word(`сень[оё]р\p{L}*`, `синь[оё]р\p{L}*`, `senior`, `старш\p{L}*`), "senior"},
		{word(`тимлид\p{L}*`, `team\s*lead`, `lead`, `лид`), "lead"},
	}

	locationRe = regexp.MustCompile(`(?i)(?:^|\s)(?:в|во|in)\s+(\p{L}[\p{L}-]+)`)
	salaryRe   = regexp.MustCompile(`(?i)(\d+)\s*(k|к|тыс\p{L}*|руб\p{L}*|rub|rur|₽)(?:$|[^\p{L}])`)
	delayRe    = regexp.MustCompile(`(?i)(?:через|in)\s+(\d+)\s*(сек|мин|час|дн|sec|min|hour|hr|day)\p{L}*`)
	tomorrowRe = word(`завтра`, `tomorrow`)

	searchQueryRe = regexp.MustCompile(`(?i)(?:найди|найти|ищи|поиск|подбери|find|search(?:\s+for)?|look\s+for)\s+(.+?)(?:\s+(?:в|во|на|от|до|с|in|from|with|for|\d+)(?:\s|$)|$)`)
	searchNoiseRe = regexp.MustCompile(`(?i)(?:^|\s)(?:ваканси\p{L}*|работ\p{L}*|джоб\p{L}*|jobs?|vacanc\p{L}*|positions?|me)(?:\s|$)`)
	remindQueryRe = regexp.MustCompile(`(?i)(?:напомни|запланируй|remind\s+me|remind|schedule)\s+(?:мне\s+|me\s+|to\s+)?(.+?)(?:\s+(?:завтра|сегодня|через|в|на|tomorrow|today|in|at|\d+)(?:\s|$)|$)`)
)

var delayUnits = map[string]int{
	"сек": 1, "sec": 1,
	"мин": 60, "min": 60,
	"час": 3600, "hour": 3600, "hr": 3600,
	"дн": 86400, "day": 86400,
}

// extractSlots pulls structured parameters out of lower-cased text.
func extractSlots(text string, intent types.IntentType) map[string]any {
	slots := make(map[string]any)

	if m := langTarget.FindStringSubmatch(text); m != nil {
		if lang, ok := firstValue(langPatterns, " "+m[1]+" "); ok {
			slots[ParamLang] = lang
		}
	}
	if _, ok := slots[ParamLang]; !ok {
		if lang, ok := firstValue(langPatterns, text); ok {
			slots[ParamLang] = lang
		}
	}

	if intent == types.IntentHHSearch || intent == types.IntentJobsDigest {
		if m := locationRe.FindStringSubmatch(text); m != nil {
			slots[ParamLocation] = m[1]
		}
	}

	if m := salaryRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			unit := strings.ToLower(m[2])
			if unit == "k" || unit == "к" || strings.HasPrefix(unit, "тыс") {
				n *= 1000
			}
			slots[ParamSalaryMin] = n
		}
	}

	if level, ok := firstValue(seniorityPatterns, text); ok {
		slots[ParamSeniority] = level
	}

	if m := delayRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := strings.ToLower(m[2])
		slots[ParamDelaySeconds] = n * delayUnits[unit]
	} else if tomorrowRe.MatchString(text) {
		slots[ParamDelaySeconds] = 86400
	}

	switch intent {
	case types.IntentHHSearch:
		if m := searchQueryRe.FindStringSubmatch(text); m != nil {
			q := collapseSpaces(searchNoiseRe.ReplaceAllString(" "+m[1]+" ", " "))
			if q != "" {
				slots[ParamQuery] = q
			}
		}
	case types.IntentRemind, types.IntentScheduleTask:
		if m := remindQueryRe.FindStringSubmatch(text); m != nil {
			if q := strings.TrimSpace(m[1]); q != "" {
				slots[ParamQuery] = q
			}
		}
	}

	return slots
}

func firstValue(patterns []valuePattern, text string) (string, bool) {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.value, true
		}
	}
	return "", false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
