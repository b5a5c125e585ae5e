package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/text/language"
)

type dateFormatConfig struct {
	Locale   string `json:"locale"`
	Style    string `json:"style"`
	Layout   string `json:"layout"`
	Timezone string `json:"timezone"`
}

type dateLocale struct {
	tag    language.Tag
	short  string
	medium string
	long   string
	months [12]string
	abbr   [12]string
}

var englishMonths = [12]string{"January", "February", "March", "April", "May", "June", "July", "August", "September", "October", "November", "December"}

// The first entry is the fallback when no supported locale matches.
var dateLocales = []dateLocale{
	{
		tag:    language.AmericanEnglish,
		short:  "{M}/{D}/{YYYY}",
		medium: "{Mon} {D}, {YYYY}",
		long:   "{Month} {D}, {YYYY}",
		months: englishMonths,
		abbr:   [12]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"},
	},
	{
		tag:    language.BritishEnglish,
		short:  "{DD}/{MM}/{YYYY}",
		medium: "{D} {Mon} {YYYY}",
		long:   "{D} {Month} {YYYY}",
		months: englishMonths,
		abbr:   [12]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sept", "Oct", "Nov", "Dec"},
	},
	{
		tag:    language.MustParse("de-DE"),
		short:  "{D}.{M}.{YYYY}",
		medium: "{DD}.{MM}.{YYYY}",
		long:   "{D}. {Month} {YYYY}",
		months: [12]string{"Januar", "Februar", "März", "April", "Mai", "Juni", "Juli", "August", "September", "Oktober", "November", "Dezember"},
		abbr:   [12]string{"Jan.", "Feb.", "März", "Apr.", "Mai", "Juni", "Juli", "Aug.", "Sept.", "Okt.", "Nov.", "Dez."},
	},
	{
		tag:    language.MustParse("fr-FR"),
		short:  "{DD}/{MM}/{YYYY}",
		medium: "{D} {Mon} {YYYY}",
		long:   "{D} {Month} {YYYY}",
		months: [12]string{"janvier", "février", "mars", "avril", "mai", "juin", "juillet", "août", "septembre", "octobre", "novembre", "décembre"},
		abbr:   [12]string{"janv.", "févr.", "mars", "avr.", "mai", "juin", "juil.", "août", "sept.", "oct.", "nov.", "déc."},
	},
	{
		tag:    language.MustParse("es-ES"),
		short:  "{D}/{M}/{YYYY}",
		medium: "{D} {Mon} {YYYY}",
		long:   "{D} de {Month} de {YYYY}",
		months: [12]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"},
		abbr:   [12]string{"ene", "feb", "mar", "abr", "may", "jun", "jul", "ago", "sept", "oct", "nov", "dic"},
	},
	{
		tag:    language.MustParse("ja-JP"),
		short:  "{YYYY}/{M}/{D}",
		medium: "{YYYY}/{MM}/{DD}",
		long:   "{YYYY}年{M}月{D}日",
		months: englishMonths,
		abbr:   [12]string{"1月", "2月", "3月", "4月", "5月", "6月", "7月", "8月", "9月", "10月", "11月", "12月"},
	},
}

var dateMatcher = func() language.Matcher {
	tags := make([]language.Tag, len(dateLocales))
	for i, l := range dateLocales {
		tags[i] = l.tag
	}
	return language.NewMatcher(tags)
}()

func resolveDateLocale(name string) dateLocale {
	if name == "" {
		return dateLocales[0]
	}
	tag, err := language.Parse(name)
	if err != nil {
		return dateLocales[0]
	}
	_, idx, conf := dateMatcher.Match(tag)
	if conf == language.No {
		return dateLocales[0]
	}
	return dateLocales[idx]
}

func (l dateLocale) pattern(style string) (string, error) {
	switch style {
	case "", "short":
		return l.short, nil
	case "medium":
		return l.medium, nil
	case "long":
		return l.long, nil
	}
	return "", fmt.Errorf("unknown date style %q", style)
}

func (l dateLocale) format(pattern string, t time.Time) string {
	m := int(t.Month()) - 1
	r := strings.NewReplacer(
		"{YYYY}", strconv.Itoa(t.Year()),
		"{MM}", fmt.Sprintf("%02d", int(t.Month())),
		"{M}", strconv.Itoa(int(t.Month())),
		"{DD}", fmt.Sprintf("%02d", t.Day()),
		"{D}", strconv.Itoa(t.Day()),
		"{Month}", l.months[m],
		"{Mon}", l.abbr[m],
	)
	return r.Replace(pattern)
}

func compileDateFormat(raw json.RawMessage) (Step, error) {
	var cfg dateFormatConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	loc := resolveDateLocale(cfg.Locale)
	pattern := ""
	if cfg.Layout == "" {
		p, err := loc.pattern(cfg.Style)
		if err != nil {
			return nil, err
		}
		pattern = p
	}
	zone := time.UTC
	if cfg.Timezone != "" {
		z, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
		zone = z
	}
	return func(v any) (any, error) {
		var t time.Time
		switch tv := v.(type) {
		case time.Time:
			t = tv
		case string:
			parsed, err := cast.ToTimeE(tv)
			if err != nil {
				return v, fmt.Errorf("invalid date %q", tv)
			}
			t = parsed
		default:
			return v, nil
		}
		t = t.In(zone)
		if cfg.Layout != "" {
			return t.Format(cfg.Layout), nil
		}
		return loc.format(pattern, t), nil
	}, nil
}
