package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/engine"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

func TestObserveTransactions(t *testing.T) {
	c := New()
	c.Observe(engine.Event{Kind: engine.EventTransactionCommitted, Catalog: "shop", Mutations: 3,
		Versions: types.CommitVersions{CatalogVersion: 9}, Duration: time.Millisecond})
	c.Observe(engine.Event{Kind: engine.EventTransactionRolledBack, Catalog: "shop"})
	c.Observe(engine.Event{Kind: engine.EventTransactionRolledBack, Catalog: "shop"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transactions.WithLabelValues("shop", "committed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transactions.WithLabelValues("shop", "rolled_back")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.mutations.WithLabelValues("shop")))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.catalogVersion.WithLabelValues("shop")))
}

func TestObserveSessionsAndCatalogs(t *testing.T) {
	c := New()
	c.Observe(engine.Event{Kind: engine.EventSessionOpened, Catalog: "shop"})
	c.Observe(engine.Event{Kind: engine.EventSessionOpened, Catalog: "shop"})
	c.Observe(engine.Event{Kind: engine.EventSessionClosed, Catalog: "shop", Duration: time.Second})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("shop")))

	c.Observe(engine.Event{Kind: engine.EventCatalogStateChanged, Catalog: "shop", State: "ALIVE"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.catalogEvents.WithLabelValues("shop", "catalog_state_changed", "ALIVE")))

	c.Observe(engine.Event{Kind: engine.EventCatalogDeleted, Catalog: "shop"})
	assert.Equal(t, 0, testutil.CollectAndCount(c.sessions))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New()
	c.Gauge("catalogs", "Known catalogs", func() float64 { return 4 })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "buncat_catalogs 4"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("200")))
}
