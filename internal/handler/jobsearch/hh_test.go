package jobsearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

const vacanciesJSON = `{"found": 42, "items": [
 {"id": "1", "name": "Senior <highlighttext>Python</highlighttext> developer",
  "alternate_url": "https://hh.ru/vacancy/1",
  "salary": {"from": 250000, "to": 350000, "currency": "RUR"},
  "employer": {"name": "Acme"}, "area": {"name": "Москва"},
  "snippet": {"requirement": "Опыт работы с <highlighttext>Python</highlighttext> от 3 лет"}},
 {"id": "2", "name": "Backend engineer", "alternate_url": "https://hh.ru/vacancy/2",
  "salary": null, "employer": {"name": "Beta"}, "area": {"name": "Москва"},
  "snippet": {}}
]}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.HHConfig{
		BaseURL:     srv.URL,
		DefaultArea: 1,
		PerPage:     5,
		UserAgent:   "test-agent",
		Token:       "tok",
	}, srv.Client())
}

func TestSearch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vacancies", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "python", q.Get("text"))
		assert.Equal(t, "2", q.Get("area"))
		assert.Equal(t, "200000", q.Get("salary"))
		assert.Equal(t, "between3And6", q.Get("experience"))
		assert.Equal(t, "5", q.Get("per_page"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(vacanciesJSON))
	})

	vs, found, err := c.Search(context.Background(), Query{
		Text: "python", Area: 2, SalaryMin: 200000, Experience: Experience("Senior"),
	})
	require.NoError(t, err)
	assert.Equal(t, 42, found)
	require.Len(t, vs, 2)
	assert.Equal(t, "Senior Python developer", vs[0].Name)
	assert.Equal(t, "Опыт работы с Python от 3 лет", vs[0].Requirement)
	require.NotNil(t, vs[0].Salary)
	assert.Equal(t, 250000, *vs[0].Salary.From)
	assert.Nil(t, vs[1].Salary)
}

func TestSearchDefaultsArea(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("area"))
		assert.Empty(t, r.URL.Query().Get("experience"))
		_, _ = w.Write([]byte(`{"found":0,"items":[]}`))
	})
	vs, _, err := c.Search(context.Background(), Query{Text: "go"})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestSearchErrors(t *testing.T) {
	t.Run("empty text is fatal", func(t *testing.T) {
		c := NewClient(config.HHConfig{}, nil)
		_, _, err := c.Search(context.Background(), Query{})
		assert.Equal(t, errmodel.KindFatalFailure, errmodel.KindOf(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, _, err := c.Search(context.Background(), Query{Text: "go"})
		assert.True(t, errmodel.IsRetryable(err))
		assert.Equal(t, Dependency, errmodel.DependencyOf(err))
	})

	t.Run("forbidden is fatal", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		_, _, err := c.Search(context.Background(), Query{Text: "go"})
		assert.Equal(t, errmodel.KindFatalFailure, errmodel.KindOf(err))
	})

	t.Run("garbage body is retryable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		})
		_, _, err := c.Search(context.Background(), Query{Text: "go"})
		assert.True(t, errmodel.IsRetryable(err))
	})
}

func TestSearchHandler(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "88", r.URL.Query().Get("area"))
		_, _ = w.Write([]byte(vacanciesJSON))
	})
	out, err := c.SearchHandler().Call(context.Background(), handler.Input{
		"query": "python", "location": "Казани", "salary_min": float64(150000), "lang": "en",
	})
	require.NoError(t, err)
	text, ok := out.Text()
	require.True(t, ok)
	assert.Contains(t, text, "Found 42 vacancies.")
	assert.Contains(t, text, "1. Senior Python developer, Acme, 250000-350000 RUR (Москва)")
	assert.Contains(t, text, "2. Backend engineer, Beta (Москва)")

	formatted, err := FormatHandler().Call(context.Background(), handler.Input{"vacancies": out["vacancies"], "found": 42})
	require.NoError(t, err)
	assert.Contains(t, formatted[handler.KeyText], "Найдено вакансий: 42.")
}

func TestAreaID(t *testing.T) {
	testCases := map[string]int{
		"Москве":          1,
		"moscow":          1,
		"Питере":          2,
		"СПб":             2,
		"Екатеринбурге":   3,
		"Новосибирск":     4,
		"казани":          88,
		"":                0,
		"Владивосток":     0,
	}
	for in, want := range testCases {
		assert.Equal(t, want, AreaID(in), in)
	}
}

func TestExperience(t *testing.T) {
	assert.Equal(t, "noExperience", Experience("junior"))
	assert.Equal(t, "between1And3", Experience("middle"))
	assert.Equal(t, "moreThan6", Experience("LEAD"))
	assert.Empty(t, Experience("intern"))
}

func TestFormatEmpty(t *testing.T) {
	assert.Equal(t, "Вакансий не найдено.", Format(nil, 0, "ru"))
	assert.Equal(t, "No vacancies found.", Format(nil, 0, "en"))
}

func TestFormatSalary(t *testing.T) {
	from, to := 100, 200
	assert.Equal(t, "from 100 RUR", formatSalary(&Salary{From: &from, Currency: "RUR"}))
	assert.Equal(t, "up to 200 USD", formatSalary(&Salary{To: &to, Currency: "USD"}))
	assert.Empty(t, formatSalary(&Salary{}))
}
