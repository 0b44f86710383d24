// Package jobsearch queries the HH.ru vacancies API and formats results for
// speech.
package jobsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

// Dependency is the resilience dependency name for HH.ru.
const Dependency = "hh"

// Action names.
const (
	ActionSearch = "hh.search"
	ActionFormat = "hh.format"
)

// Salary is the advertised range; nil bounds are open.
type Salary struct {
	From     *int   `json:"from"`
	To       *int   `json:"to"`
	Currency string `json:"currency"`
}

// Vacancy is the subset of an HH.ru vacancy the assistant speaks about.
type Vacancy struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	URL         string  `json:"alternate_url"`
	Employer    string  `json:"employer"`
	Area        string  `json:"area"`
	Salary      *Salary `json:"salary,omitempty"`
	Requirement string  `json:"requirement,omitempty"`
}

// Query is a vacancy search.
type Query struct {
	Text       string
	Area       int
	SalaryMin  int
	Experience string
	PerPage    int
}

type apiVacancy struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	URL      string  `json:"alternate_url"`
	Salary   *Salary `json:"salary"`
	Employer struct {
		Name string `json:"name"`
	} `json:"employer"`
	Area struct {
		Name string `json:"name"`
	} `json:"area"`
	Snippet struct {
		Requirement    string `json:"requirement"`
		Responsibility string `json:"responsibility"`
	} `json:"snippet"`
}

type searchResponse struct {
	Items []apiVacancy `json:"items"`
	Found int          `json:"found"`
}

// Client calls the HH.ru API.
type Client struct {
	cfg    config.HHConfig
	http   *http.Client
	strict *bluemonday.Policy
}

// NewClient creates a client. hc should carry the traced transport.
func NewClient(cfg config.HHConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 10
	}
	return &Client{cfg: cfg, http: hc, strict: bluemonday.StrictPolicy()}
}

// Search runs a vacancy search. Highlight markup in snippets is stripped.
func (c *Client) Search(ctx context.Context, q Query) ([]Vacancy, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, errmodel.Fatal(Dependency, errors.New("empty search text"))
	}
	params := url.Values{}
	params.Set("text", q.Text)
	area := q.Area
	if area == 0 {
		area = c.cfg.DefaultArea
	}
	if area > 0 {
		params.Set("area", strconv.Itoa(area))
	}
	if q.SalaryMin > 0 {
		params.Set("salary", strconv.Itoa(q.SalaryMin))
		params.Set("only_with_salary", "true")
	}
	if q.Experience != "" {
		params.Set("experience", q.Experience)
	}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = c.cfg.PerPage
	}
	params.Set("per_page", strconv.Itoa(perPage))

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/vacancies?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, errmodel.Fatal(Dependency, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errmodel.Classify(Dependency, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, 0, errmodel.FromHTTPStatus(Dependency, resp.StatusCode, string(msg))
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, errmodel.Retryable(Dependency, fmt.Errorf("decode vacancies: %w", err))
	}
	out := make([]Vacancy, 0, len(body.Items))
	for _, it := range body.Items {
		out = append(out, Vacancy{
			ID:          it.ID,
			Name:        c.clean(it.Name),
			URL:         it.URL,
			Employer:    c.clean(it.Employer.Name),
			Area:        it.Area.Name,
			Salary:      it.Salary,
			Requirement: c.clean(it.Snippet.Requirement),
		})
	}
	return out, body.Found, nil
}

func (c *Client) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(c.strict.Sanitize(s)))
}

var experience = map[string]string{
	"junior": "noExperience",
	"middle": "between1And3",
	"senior": "between3And6",
	"lead":   "moreThan6",
}

// Experience maps a seniority slot to the HH.ru experience filter.
func Experience(seniority string) string {
	return experience[strings.ToLower(seniority)]
}

var areas = []struct {
	prefix string
	id     int
}{
	{"москв", 1},
	{"moscow", 1},
	{"спб", 2},
	{"питер", 2},
	{"санкт", 2},
	{"petersburg", 2},
	{"екатеринбург", 3},
	{"новосибирск", 4},
	{"казан", 88},
	{"kazan", 88},
}

// AreaID maps a city name (any case, any grammatical form) to an HH.ru area.
// Zero means unknown.
func AreaID(location string) int {
	l := strings.ToLower(strings.TrimSpace(location))
	if l == "" {
		return 0
	}
	for _, a := range areas {
		if strings.Contains(l, a.prefix) {
			return a.id
		}
	}
	return 0
}

// SearchHandler reads the router slots: query, location, salary_min,
// seniority. The output carries the vacancies and a plain-text listing.
func (c *Client) SearchHandler() handler.Handler {
	return handler.NewFunc(ActionSearch, Dependency, func(ctx context.Context, in handler.Input) (handler.Output, error) {
		q := Query{
			Text:       in.String("query"),
			Area:       AreaID(in.String("location")),
			SalaryMin:  in.Int("salary_min", 0),
			Experience: Experience(in.String("seniority")),
		}
		vacancies, found, err := c.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		return handler.Output{
			handler.KeyText: Format(vacancies, found, in.String("lang")),
			"vacancies":     vacancies,
			"found":         found,
		}, nil
	})
}

// FormatHandler renders a vacancy list produced by an earlier step.
func FormatHandler() handler.Handler {
	return handler.NewFunc(ActionFormat, "", func(_ context.Context, in handler.Input) (handler.Output, error) {
		vs, ok := in["vacancies"].([]Vacancy)
		if !ok {
			return nil, errmodel.Fatal("", errors.New("hh.format: no vacancies in input"))
		}
		return handler.Output{handler.KeyText: Format(vs, in.Int("found", len(vs)), in.String("lang"))}, nil
	})
}

// Format renders vacancies as a short listing suitable for reading aloud.
func Format(vs []Vacancy, found int, lang string) string {
	ru := !strings.HasPrefix(strings.ToLower(lang), "en")
	if len(vs) == 0 {
		if ru {
			return "Вакансий не найдено."
		}
		return "No vacancies found."
	}
	var b strings.Builder
	if ru {
		fmt.Fprintf(&b, "Найдено вакансий: %d.", found)
	} else {
		fmt.Fprintf(&b, "Found %d vacancies.", found)
	}
	for i, v := range vs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, v.Name)
		if v.Employer != "" {
			fmt.Fprintf(&b, ", %s", v.Employer)
		}
		if s := formatSalary(v.Salary); s != "" {
			fmt.Fprintf(&b, ", %s", s)
		}
		if v.Area != "" {
			fmt.Fprintf(&b, " (%s)", v.Area)
		}
	}
	return b.String()
}

func formatSalary(s *Salary) string {
	if s == nil || (s.From == nil && s.To == nil) {
		return ""
	}
	cur := s.Currency
	switch {
	case s.From != nil && s.To != nil:
		return fmt.Sprintf("%d-%d %s", *s.From, *s.To, cur)
	case s.From != nil:
		return fmt.Sprintf("from %d %s", *s.From, cur)
	default:
		return fmt.Sprintf("up to %d %s", *s.To, cur)
	}
}

// Handlers returns the HH.ru actions.
func (c *Client) Handlers() []handler.Handler {
	return []handler.Handler{c.SearchHandler(), FormatHandler()}
}
