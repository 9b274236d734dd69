package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nucleus/collector/internal/core"
)

// Handler serves the Catalog API over a Memory catalog. It is used by
// integration tests and the local development stack.
func Handler(m *Memory) http.Handler {
	h := &handler{m: m}
	r := gin.New()
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.OPTIONS("/assets/:fqn", h.exists)
	r.PATCH("/assets/disable-many", h.disableMany)
	r.GET("/providers/:id", h.provider)
	r.GET("/providers/:id/connections", h.connections)
	r.GET("/ingestions/", h.ingestions)
	r.GET("/ingestions/:id", h.ingestion)
	for _, kind := range []core.AssetKind{core.KindDatabase, core.KindSchema, core.KindTable} {
		g := r.Group("/"+string(kind), withKind(kind))
		g.GET("/", h.list)
		g.POST("/", h.create)
		g.GET("/:fqn", h.get)
		g.PATCH("/:fqn", h.update)
	}
	return r
}

const kindKey = "asset_kind"

func withKind(kind core.AssetKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(kindKey, kind)
		c.Next()
	}
}

func kindOf(c *gin.Context) core.AssetKind {
	return c.MustGet(kindKey).(core.AssetKind)
}

type handler struct {
	m *Memory
}

func (h *handler) exists(c *gin.Context) {
	ok, err := h.m.Exists(c.Request.Context(), c.Param("fqn"))
	if err != nil {
		abort(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Allow", "GET, PATCH, OPTIONS")
	c.Status(http.StatusOK)
}

func (h *handler) disableMany(c *gin.Context) {
	var ids []string
	if err := c.ShouldBindJSON(&ids); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := h.m.DisableMany(c.Request.Context(), ids); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) provider(c *gin.Context) {
	p, err := h.m.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) connections(c *gin.Context) {
	conns, err := h.m.ListConnections(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Page[core.Connection]{Items: conns, Count: len(conns), Page: 1, PageSize: len(conns)})
}

func (h *handler) ingestions(c *gin.Context) {
	q := IngestionQuery{
		ProviderID:     c.Query("provider_id"),
		SchedulingType: core.SchedulingType(c.Query("scheduling_type")),
	}
	page, _ := strconv.Atoi(c.Query("page"))
	p, err := h.m.ListIngestions(c.Request.Context(), q, page)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) ingestion(c *gin.Context) {
	s, err := h.m.GetIngestion(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) list(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(c.Query("page_size"))
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}
	parent := c.Query("parent_id")
	if err := h.m.fail("List", parent); err != nil {
		abort(c, err)
		return
	}
	p, err := h.m.ListPage(kindOf(c), ListQuery{
		ParentID:       parent,
		IncludeDeleted: c.Query("include_deleted") == "true",
	}, page, size)
	if err != nil {
		abort(c, err)
		return
	}
	views := make([]map[string]any, 0, len(p.Items))
	for _, a := range p.Items {
		views = append(views, a.View)
	}
	c.JSON(http.StatusOK, Page[map[string]any]{Items: views, Count: p.Count, Page: p.Page, PageSize: p.PageSize})
}

func (h *handler) create(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.m.Create(c.Request.Context(), kindOf(c), body)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, a.View)
}

func (h *handler) get(c *gin.Context) {
	a, err := h.m.Get(c.Request.Context(), kindOf(c), c.Param("fqn"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.View)
}

func (h *handler) update(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.m.Update(c.Request.Context(), kindOf(c), c.Param("fqn"), body)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.View)
}

// abort answers with the status carried by a core.Error, 404 for missing
// records and 500 otherwise.
func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var ce *core.Error
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &ce) && ce.Status != 0:
		status = ce.Status
	}
	c.String(status, err.Error())
}
