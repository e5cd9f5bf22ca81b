package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/repohub/internal/pkgtype"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/store"
)

// RegisterDiagnosticRoutes 暴露 /-/ 诊断接口，供运维查看包类型、悬空成员与组的展开结果。
func RegisterDiagnosticRoutes(app *fiber.App, reg *registry.Registry) {
	if app == nil || reg == nil {
		return
	}

	app.Get("/-/package-types", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"package_types": encodePackageTypes(pkgtype.List()),
		})
	})

	app.Get("/-/package-types/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		meta, ok := pkgtype.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "package_type_not_found"})
		}
		return c.JSON(encodePackageType(meta))
	})

	app.Get("/-/stores/orphans", func(c fiber.Ctx) error {
		orphans := reg.ValidateReferences()
		if orphans == nil {
			orphans = []registry.OrphanReference{}
		}
		return c.JSON(fiber.Map{"orphans": orphans})
	})

	app.Get("/-/stores/:type/:name/closure", func(c fiber.Ctx) error {
		t, err := store.ParseStoreType(c.Params("type"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_store_type"})
		}
		key := store.NewKey(t, c.Params("name"))
		if _, ok := reg.Get(key); !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "store_not_found"})
		}
		return c.JSON(closurePayload{
			Store:      key,
			Members:    nonNil(reg.MembershipClosure(key)),
			Containers: nonNil(reg.Containers(key)),
		})
	})
}

type packageTypePayload struct {
	Key                string `json:"key"`
	Description        string `json:"description"`
	ArtifactTTLSeconds int64  `json:"artifact_ttl_seconds"`
	MetadataTTLSeconds int64  `json:"metadata_ttl_seconds"`
	RewritesContent    bool   `json:"rewrites_content"`
	NormalizesPaths    bool   `json:"normalizes_paths"`
}

type closurePayload struct {
	Store      store.StoreKey   `json:"store"`
	Members    []store.StoreKey `json:"members"`
	Containers []store.StoreKey `json:"containers"`
}

func encodePackageTypes(items []pkgtype.Metadata) []packageTypePayload {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	result := make([]packageTypePayload, 0, len(items))
	for _, meta := range items {
		result = append(result, encodePackageType(meta))
	}
	return result
}

func encodePackageType(meta pkgtype.Metadata) packageTypePayload {
	return packageTypePayload{
		Key:                meta.Key,
		Description:        meta.Description,
		ArtifactTTLSeconds: int64(meta.Profile.ArtifactTTL.Seconds()),
		MetadataTTLSeconds: int64(meta.Profile.MetadataTTL.Seconds()),
		RewritesContent:    meta.Hooks.Transform != nil,
		NormalizesPaths:    meta.Hooks.NormalizePath != nil,
	}
}

func nonNil(keys []store.StoreKey) []store.StoreKey {
	if keys == nil {
		return []store.StoreKey{}
	}
	return keys
}
