package api

import (
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"prism-backend/internal/acl"
	"prism-backend/internal/audit"
	"prism-backend/internal/metadata"
	"prism-backend/internal/schema"
	"prism-backend/internal/store"
)

// Handler exposes the schema surface over HTTP. All domain decisions
// live in the schema and acl packages; handlers parse, dispatch and
// translate errors.
type Handler struct {
	store   *store.Store
	service *schema.Service
	mutator *schema.Mutator
	acl     *acl.Engine
}

func NewHandler(s *store.Store, svc *schema.Service, mut *schema.Mutator, aclEngine *acl.Engine) *Handler {
	return &Handler{store: s, service: svc, mutator: mut, acl: aclEngine}
}

// RegisterSchemaRoutes mounts the schema endpoints. Reads require a
// valid token; mutations, permissions and activity also require the
// admin group.
func RegisterSchemaRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	g := app.Group("/api/schema", authMW)

	g.Get("/collections", h.ListCollections)
	g.Get("/collections/:name", h.GetCollection)
	g.Post("/collections", adminMW, h.CreateCollection)
	g.Put("/collections/:name", adminMW, h.UpdateCollection)
	g.Delete("/collections/:name", adminMW, h.DropCollection)

	g.Post("/collections/:name/fields/:field", adminMW, h.AddField)
	g.Put("/collections/:name/fields/:field", adminMW, h.ChangeField)
	g.Delete("/collections/:name/fields/:field", adminMW, h.DropField)

	g.Get("/permissions", adminMW, h.ListPermissions)
	g.Put("/permissions", adminMW, h.UpsertPermission)
	g.Delete("/permissions", adminMW, h.DeletePermission)

	g.Get("/activity", adminMW, h.ListActivity)
}

// --- Collection endpoints ---

func (h *Handler) ListCollections(c *fiber.Ctx) error {
	acct := requestAccount(c)
	opts := schema.ListOptions{
		IncludeSystem:  c.QueryBool("include_system"),
		IncludeColumns: c.QueryBool("include_columns"),
	}
	cols, err := h.service.Collections(c.Context(), acct, opts)
	if err != nil {
		return toAppError(err)
	}
	if cols == nil {
		cols = []*metadata.Collection{}
	}
	return c.JSON(fiber.Map{"data": cols})
}

func (h *Handler) GetCollection(c *fiber.Ctx) error {
	acct := requestAccount(c)
	col, err := h.service.Collection(c.Context(), acct, c.Params("name"))
	if err != nil {
		return toAppError(err)
	}
	return c.JSON(fiber.Map{"data": col})
}

func (h *Handler) CreateCollection(c *fiber.Ctx) error {
	var def schema.CollectionDefinition
	if err := c.BodyParser(&def); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	col, err := h.mutator.CreateCollection(c.Context(), requestAccount(c), def)
	if err != nil {
		return toAppError(err)
	}
	return c.Status(201).JSON(fiber.Map{"data": col})
}

func (h *Handler) UpdateCollection(c *fiber.Ctx) error {
	name := c.Params("name")
	var def schema.CollectionDefinition
	if err := c.BodyParser(&def); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	def.Collection = name // ensure name matches URL
	col, err := h.mutator.UpdateCollection(c.Context(), requestAccount(c), name, def)
	if err != nil {
		return toAppError(err)
	}
	return c.JSON(fiber.Map{"data": col})
}

func (h *Handler) DropCollection(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.mutator.DropCollection(c.Context(), requestAccount(c), name); err != nil {
		return toAppError(err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"collection": name, "deleted": true}})
}

// --- Field endpoints ---

func (h *Handler) AddField(c *fiber.Ctx) error {
	var def metadata.Field
	if err := c.BodyParser(&def); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if def.Name == "" {
		def.Name = c.Params("field")
	}
	f, err := h.mutator.AddField(c.Context(), requestAccount(c), c.Params("name"), def)
	if err != nil {
		return toAppError(err)
	}
	return c.Status(201).JSON(fiber.Map{"data": f})
}

func (h *Handler) ChangeField(c *fiber.Ctx) error {
	var def metadata.Field
	if err := c.BodyParser(&def); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	// Body name passes through untouched so renames are rejected, not
	// silently rewritten.
	f, err := h.mutator.ChangeField(c.Context(), requestAccount(c), c.Params("name"), c.Params("field"), def)
	if err != nil {
		return toAppError(err)
	}
	return c.JSON(fiber.Map{"data": f})
}

func (h *Handler) DropField(c *fiber.Ctx) error {
	name, field := c.Params("name"), c.Params("field")
	if err := h.mutator.DropField(c.Context(), requestAccount(c), name, field); err != nil {
		return toAppError(err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"collection": name, "field": field, "deleted": true}})
}

// --- Permission endpoints ---

func (h *Handler) ListPermissions(c *fiber.Ctx) error {
	perms, err := h.acl.ListPermissions(c.Context(), c.QueryInt("group"))
	if err != nil {
		return toAppError(err)
	}
	if perms == nil {
		perms = []metadata.Permission{}
	}
	return c.JSON(fiber.Map{"data": perms})
}

func (h *Handler) UpsertPermission(c *fiber.Ctx) error {
	var p metadata.Permission
	if err := c.BodyParser(&p); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if err := h.acl.UpsertPermission(c.Context(), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("group", strconv.Itoa(p.GroupID))
		}
		return NewAppError("VALIDATION_FAILED", 422, err.Error())
	}
	h.bumpVersion(c)
	return c.JSON(fiber.Map{"data": p})
}

func (h *Handler) DeletePermission(c *fiber.Ctx) error {
	groupID := c.QueryInt("group")
	collection := c.Query("collection")
	op := metadata.Operation(c.Query("operation"))
	var details []ErrorDetail
	if groupID <= 0 {
		details = append(details, ErrorDetail{Field: "group", Rule: "required", Message: "group is required"})
	}
	if collection == "" {
		details = append(details, ErrorDetail{Field: "collection", Rule: "required", Message: "collection is required"})
	}
	if op == "" {
		details = append(details, ErrorDetail{Field: "operation", Rule: "required", Message: "operation is required"})
	}
	if len(details) > 0 {
		return ValidationError(details)
	}
	if err := h.acl.DeletePermission(c.Context(), groupID, collection, op); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("permission", collection+"/"+string(op))
		}
		return toAppError(err)
	}
	h.bumpVersion(c)
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
}

// bumpVersion retires cached group views after a permission change;
// they key on the schema version. Failure only delays refresh until the
// snapshot TTL, so it is logged and not returned.
func (h *Handler) bumpVersion(c *fiber.Ctx) {
	if _, err := schema.BumpVersion(c.Context(), h.store.DB, h.store.Dialect); err != nil {
		log.Printf("WARN: version bump after permission change failed: %v", err)
	}
}

// --- Activity endpoint ---

func (h *Handler) ListActivity(c *fiber.Ctx) error {
	opts := audit.ListOptions{
		Collection: c.Query("collection"),
		Limit:      c.QueryInt("limit"),
	}
	if types := c.Query("types"); types != "" {
		opts.Types = strings.Split(types, ",")
	}
	rows, err := audit.List(c.Context(), h.store, opts)
	if err != nil {
		return toAppError(err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

// --- helpers ---

// requestAccount reads the identity set by the auth middleware. A
// request that reaches a handler without one is treated as public.
func requestAccount(c *fiber.Ctx) metadata.Account {
	if acct, ok := c.Locals("account").(*metadata.Account); ok && acct != nil {
		return *acct
	}
	return metadata.Account{GroupID: metadata.PublicGroupID}
}

// toAppError maps domain errors onto the HTTP envelope. Anything not in
// the schema taxonomy propagates to the 500 handler untouched.
func toAppError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, schema.ErrCollectionNotFound), errors.Is(err, schema.ErrFieldNotFound):
		return NewAppError("NOT_FOUND", 404, err.Error())
	case errors.Is(err, schema.ErrCollectionExists), errors.Is(err, schema.ErrFieldExists):
		return ConflictError(err.Error())
	case errors.Is(err, schema.ErrForbidden):
		return ForbiddenError(err.Error())
	case errors.Is(err, schema.ErrInvalidDefinition):
		return NewAppError("VALIDATION_FAILED", 422, err.Error())
	case errors.Is(err, schema.ErrMutationFailed):
		return NewAppError("MUTATION_FAILED", 500, err.Error())
	}
	return err
}
