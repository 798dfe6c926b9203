// Package newstore declares the NewStore resource tree as data:
//
//	stores -> shops -> products -> availabilities
//
// Each stream is a descriptor plus the strategies its Node is built from.
package newstore

import (
	"fmt"
	"net/http"

	"github.com/Sternrassler/newstore-tap/pkg/engine"
	"github.com/Sternrassler/newstore-tap/pkg/extract"
	"github.com/Sternrassler/newstore-tap/pkg/pagination"
	"github.com/Sternrassler/newstore-tap/pkg/request"
	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// Stream names.
const (
	StreamStores         = "stores"
	StreamShops          = "shops"
	StreamProducts       = "products"
	StreamAvailabilities = "availabilities"
)

// DefaultProductsPageSize is the count sent with offset-paginated product
// requests.
const DefaultProductsPageSize = 500

// Descriptors returns fresh descriptors of every stream, parents first.
func Descriptors() []*stream.Descriptor {
	return []*stream.Descriptor{
		{
			Name:        StreamStores,
			Path:        "/v0/d/stores",
			PrimaryKeys: []string{"store_id"},
			Schema: stream.Schema{
				{Name: "store_id", Type: stream.TypeString, Required: true},
				{Name: "label", Type: stream.TypeString},
				{Name: "locale", Type: stream.TypeString},
			},
			RecordsPath: "$.stores[*]",
			ChildContext: stream.ContextMapping{
				stream.RecordField("store_id", "store_id"),
			},
		},
		{
			Name:        StreamShops,
			Path:        "/v0/c/shops",
			Parent:      StreamStores,
			PrimaryKeys: []string{"id", "locale"},
			Schema: stream.Schema{
				{Name: "id", Type: stream.TypeString, Required: true},
				{Name: "locale", Type: stream.TypeString, Required: true},
			},
			RecordsPath: "$.shops[*]",
			ChildContext: stream.ContextMapping{
				stream.RecordField("shop_id", "id"),
				stream.RecordField("locale", "locale"),
				stream.Inherit("store_id"),
			},
		},
		{
			Name:        StreamProducts,
			Path:        "/api/v1/shops/{shop_id}/products?locale={locale}",
			Parent:      StreamShops,
			PrimaryKeys: []string{"product_id"},
			Schema: stream.Schema{
				{Name: "product_id", Type: stream.TypeString, Required: true},
				{Name: "title", Type: stream.TypeString},
			},
			RecordsPath: "$.elements[*]",
			ChildContext: stream.ContextMapping{
				stream.Inherit("shop_id"),
				stream.Inherit("locale"),
				stream.RecordField("product_id", "product_id"),
				stream.Inherit("store_id"),
			},
		},
		{
			Name:        StreamAvailabilities,
			Path:        "/v0/availabilities",
			Method:      http.MethodPost,
			Parent:      StreamProducts,
			PrimaryKeys: []string{"product_id", "fulfillment_node_id"},
			Schema: stream.Schema{
				{Name: "product_id", Type: stream.TypeString, Required: true},
				{Name: "fulfillment_node_id", Type: stream.TypeString},
				{Name: "atp", Type: stream.TypeInteger},
			},
			RecordsPath: "$.items[*]",
			Requires:    []string{"product_id", "store_id"},
		},
	}
}

// NewRegistry registers and validates every stream.
func NewRegistry() (*stream.Registry, error) {
	reg := stream.NewRegistry()
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Options tunes stream strategies.
type Options struct {
	// ProductsPageSize defaults to DefaultProductsPageSize.
	ProductsPageSize int
}

// strategy is the per-stream customization a Node is built from.
type strategy struct {
	query      request.QueryPolicy
	body       request.BodyTemplate
	transform  extract.Transform
	paginators func() (pagination.Factory, error)
}

func cursorPaging() (pagination.Factory, error) {
	return pagination.CursorFactory(pagination.DefaultNextPagePath)
}

func strategies(opts Options) map[string]strategy {
	pageSize := opts.ProductsPageSize
	if pageSize <= 0 {
		pageSize = DefaultProductsPageSize
	}

	return map[string]strategy{
		StreamStores: {
			query:      request.PageQuery{},
			paginators: cursorPaging,
		},
		StreamShops: {
			query: request.PageQuery{},
			transform: extract.FlattenNested(extract.FlattenSpec{
				List: "locales",
				Keep: []string{"id"},
				Lift: map[string]string{"locale": "locale"},
			}),
			paginators: cursorPaging,
		},
		StreamProducts: {
			query: request.OffsetQuery{PageSize: pageSize},
			paginators: func() (pagination.Factory, error) {
				return pagination.OffsetFactory(pagination.OffsetConfig{MetaPath: pagination.DefaultMetaPath})
			},
		},
		StreamAvailabilities: {
			query: request.PageQuery{},
			body: request.KeyedList{
				Key: "atp_keys",
				Fields: []request.BodyField{
					{Name: "product_id", ContextKey: "product_id"},
					{Name: "fulfillment_node_id", ContextKey: "store_id"},
				},
			},
			paginators: cursorPaging,
		},
	}
}

// NewNodes builds one Node per registered stream, all calling doer.
func NewNodes(reg *stream.Registry, doer engine.Doer, opts Options) (map[string]*engine.Node, error) {
	table := strategies(opts)
	nodes := make(map[string]*engine.Node, len(table))

	for _, name := range reg.Names() {
		desc, _ := reg.Get(name)
		s, ok := table[name]
		if !ok {
			return nil, fmt.Errorf("stream %q: %w", name, stream.ErrUnknownStream)
		}

		builder, err := request.New(desc, s.query, s.body)
		if err != nil {
			return nil, err
		}
		extractor, err := extract.New(desc.RecordsPath, s.transform)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", name, err)
		}
		paginators, err := s.paginators()
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", name, err)
		}

		node, err := engine.NewNode(engine.NodeConfig{
			Descriptor: desc,
			Builder:    builder,
			Extractor:  extractor,
			Paginators: paginators,
		}, doer)
		if err != nil {
			return nil, err
		}
		nodes[name] = node
	}
	return nodes, nil
}
