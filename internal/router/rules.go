package router

import (
	"regexp"
	"strings"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// rule is one intent with its trigger patterns. Each pattern's first
// capture group is the span used for scoring.
type rule struct {
	intent   types.IntentType
	patterns []*regexp.Regexp
	boost    float64
}

// stem matches any of the given word beginnings plus the rest of the word,
// so inflected Russian forms ("вакансии", "вакансию") hit the same term.
func stem(alts ...string) string {
	return `(?:` + strings.Join(alts, `|`) + `)\p{L}*`
}

// pattern anchors the first term at a word start and joins the remaining
// terms lazily, in order. RE2 has no Unicode-aware \b, hence the explicit
// letter class.
func pattern(terms ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(` + strings.Join(terms, `.*?`) + `)`)
}

// Order matters on ties: specific intents come before generic ones.
var defaultRules = []rule{
	{
		intent: types.IntentHHSearch,
		patterns: []*regexp.Regexp{
			pattern(stem("найди", "найти", "ищи", "поиск", "подбери"), stem("ваканси", "работ", "джоб", "hh")),
			pattern(stem("find", "search", "look"), stem("job", "vacanc", "work", "position")),
		},
		boost: 0.3,
	},
	{
		intent: types.IntentDailyDigest,
		patterns: []*regexp.Regexp{
			pattern(stem("ежедневн", "daily", "каждый день", "every day"), stem("дайджест", "обзор", "сводк", "digest", "summary")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentJobsDigest,
		patterns: []*regexp.Regexp{
			pattern(stem("дайджест", "обзор", "новост", "подборк"), stem("ваканси", "работ", "джоб")),
			pattern(stem("digest", "overview", "news"), stem("job", "vacanc")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentOCRTranslate,
		patterns: []*regexp.Regexp{
			pattern(stem("переведи", "перевести"), stem("экран", "изображени", "картинк", "скриншот", "фото")),
			pattern(stem("translat"), stem("screen", "image", "picture", "photo")),
		},
		boost: 0.3,
	},
	{
		intent: types.IntentDescribeScreen,
		patterns: []*regexp.Regexp{
			pattern(stem("опиши", "расскажи"), stem("экран", "изображени", "картинк")),
			pattern(stem("describe", "tell"), stem("screen", "image", "picture")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentComposeReply,
		patterns: []*regexp.Regexp{
			pattern(stem("напиши", "составь", "ответь"), stem("сообщени", "письм", "ответ")),
			pattern(stem("write", "compose", "draft"), stem("message", "letter", "reply", "email")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentRemind,
		patterns: []*regexp.Regexp{
			pattern(stem("напомни", "напоминани", "remind")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentScheduleTask,
		patterns: []*regexp.Regexp{
			pattern(stem("запланируй", "планировщик", "schedul")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentTranslateText,
		patterns: []*regexp.Regexp{
			pattern(stem("переведи", "перевод", "translat")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentSummarize,
		patterns: []*regexp.Regexp{
			pattern(stem("суммируй", "кратк", "резюм", "обзор")),
			pattern(stem("summar", "brief", "overview", "tldr")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentReadAloud,
		patterns: []*regexp.Regexp{
			pattern(stem("прочитай", "прочти", "озвуч", "вслух")),
			pattern(stem("read", "say", "pronounce", "aloud")),
		},
		boost: 0.2,
	},
	{
		intent: types.IntentChatAnswer,
		patterns: []*regexp.Regexp{
			pattern(stem("что", "как", "почему", "зачем", "расскажи", "объясни")),
			pattern(stem("what", "how", "why", "tell", "who", "explain")),
		},
		boost: 0.1,
	},
}

// score returns the rule confidence for text, zero when nothing matches:
//
//	min(min(2*matched/len, 0.8) + keyword + boost, 0.95)
//
// where keyword is 0.1 for single-pattern rules and 0.05 otherwise.
func (r rule) score(text string, textLen int) float64 {
	best := 0.0
	keyword := 0.05
	if len(r.patterns) == 1 {
		keyword = 0.1
	}
	for _, re := range r.patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		base := min(float64(runeLen(m[1]))/float64(textLen)*2, 0.8)
		if c := min(base+keyword+r.boost, 0.95); c > best {
			best = c
		}
	}
	return best
}
