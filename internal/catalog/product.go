package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Attribute names a product fact the knowledge base can answer.
type Attribute string

const (
	AttrColor        Attribute = "color"
	AttrSize         Attribute = "size"
	AttrType         Attribute = "type"
	AttrPrice        Attribute = "price"
	AttrVariantPrice Attribute = "variant_price"
	AttrStock        Attribute = "stock"
	AttrSaleStatus   Attribute = "sale_status"
	AttrSearch       Attribute = "search"
)

// Attributes lists every supported Attribute in prompt order.
var Attributes = []Attribute{
	AttrColor, AttrSize, AttrType, AttrPrice, AttrVariantPrice, AttrStock, AttrSaleStatus, AttrSearch,
}

// optionNames maps option attributes to the optionName stored in the graph.
var optionNames = map[Attribute]string{
	AttrColor: "색상",
	AttrSize:  "사이즈",
	AttrType:  "타입",
}

var printer = message.NewPrinter(language.Korean)

// VariantStock is the stock of one option combination.
type VariantStock struct {
	Label    string
	Quantity int64
}

// VariantStatus is the sale status of one option combination.
type VariantStatus struct {
	Label  string
	Status string
}

// VariantPrice is the surcharge of one option combination over the base price.
type VariantPrice struct {
	Label string
	Extra int64
}

// Options returns the distinct values of an option ("색상", "사이즈", "타입")
// across every option node belonging to product. Comma separated values are
// split.
func (c *Client) Options(ctx context.Context, product, optionName string) ([]string, error) {
	q := c.prefix() + fmt.Sprintf(`SELECT DISTINCT ?optionValue WHERE {
  ?option a :Option ;
          :optionName %s ;
          :optionValue ?optionValue .
  FILTER(CONTAINS(STR(?option), %s))
}`, quote(optionName), quote(product))

	rows, err := c.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var values []string
	for _, row := range rows {
		for _, v := range strings.Split(row["optionValue"], ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values, nil
}

// BasePrice returns the product's base price. ok is false when the product
// is unknown.
func (c *Client) BasePrice(ctx context.Context, product string) (price int64, ok bool, err error) {
	q := c.prefix() + fmt.Sprintf(`SELECT ?price WHERE {
  ?product a :Product ;
           :productName %s ;
           :productBasePrice ?price .
}`, quote(product))

	rows, err := c.Select(ctx, q)
	if err != nil || len(rows) == 0 {
		return 0, false, err
	}
	price, err = parseAmount(rows[0]["price"])
	if err != nil {
		return 0, false, fmt.Errorf("catalog: price of %q: %w", product, err)
	}
	return price, true, nil
}

// VariantPrices returns the base price and the surcharge of every variant.
func (c *Client) VariantPrices(ctx context.Context, product string) (int64, []VariantPrice, error) {
	q := c.prefix() + fmt.Sprintf(`SELECT ?combinationLabel ?variantPrice ?basePrice WHERE {
  ?product a :Product ;
           :productName %s ;
           :productBasePrice ?basePrice ;
           :hasVariant ?variant .
  ?variant :combinationLabel ?combinationLabel ;
           :variantPrice ?variantPrice .
}`, quote(product))

	rows, err := c.Select(ctx, q)
	if err != nil || len(rows) == 0 {
		return 0, nil, err
	}
	base, err := parseAmount(rows[0]["basePrice"])
	if err != nil {
		return 0, nil, fmt.Errorf("catalog: base price of %q: %w", product, err)
	}
	out := make([]VariantPrice, 0, len(rows))
	for _, row := range rows {
		extra, err := parseAmount(row["variantPrice"])
		if err != nil {
			return 0, nil, fmt.Errorf("catalog: variant price of %q: %w", product, err)
		}
		out = append(out, VariantPrice{Label: row["combinationLabel"], Extra: extra})
	}
	return base, out, nil
}

// Stock returns the stock quantity of every variant.
func (c *Client) Stock(ctx context.Context, product string) ([]VariantStock, error) {
	q := c.prefix() + fmt.Sprintf(`SELECT ?combinationLabel ?stockQuantity WHERE {
  ?product a :Product ;
           :productName %s ;
           :hasVariant ?variant .
  ?variant :combinationLabel ?combinationLabel ;
           :stockQuantity ?stockQuantity .
}`, quote(product))

	rows, err := c.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]VariantStock, 0, len(rows))
	for _, row := range rows {
		qty, err := parseAmount(row["stockQuantity"])
		if err != nil {
			return nil, fmt.Errorf("catalog: stock of %q: %w", product, err)
		}
		out = append(out, VariantStock{Label: row["combinationLabel"], Quantity: qty})
	}
	return out, nil
}

// SaleStatus returns the sale status ("판매", "품절", ...) of every variant.
func (c *Client) SaleStatus(ctx context.Context, product string) ([]VariantStatus, error) {
	q := c.prefix() + fmt.Sprintf(`SELECT ?combinationLabel ?saleStatus WHERE {
  ?product a :Product ;
           :productName %s ;
           :hasVariant ?variant .
  ?variant :combinationLabel ?combinationLabel ;
           :saleStatus ?saleStatus .
}`, quote(product))

	rows, err := c.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]VariantStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, VariantStatus{Label: row["combinationLabel"], Status: row["saleStatus"]})
	}
	return out, nil
}

// ProductNames returns every product name in the catalog.
func (c *Client) ProductNames(ctx context.Context) ([]string, error) {
	q := c.prefix() + `SELECT DISTINCT ?name WHERE {
  ?product a :Product ;
           :productName ?name .
}`
	rows, err := c.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if n := strings.TrimSpace(row["name"]); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// SearchResult groups product names by how closely they match a query.
type SearchResult struct {
	Exact   []string
	Close   []string
	Related []string
}

func (r SearchResult) Empty() bool {
	return len(r.Exact)+len(r.Close)+len(r.Related) == 0
}

// Search matches partial against every product name: exact match, then
// substring, then names containing every keyword of two or more characters.
func (c *Client) Search(ctx context.Context, partial string) (SearchResult, error) {
	names, err := c.ProductNames(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	return rankNames(names, partial), nil
}

func rankNames(names []string, partial string) SearchResult {
	var res SearchResult
	needle := strings.ToLower(strings.TrimSpace(partial))
	if needle == "" {
		return res
	}
	var keywords []string
	for _, k := range strings.Fields(needle) {
		if utf8.RuneCountInString(k) > 1 {
			keywords = append(keywords, k)
		}
	}

	for _, name := range names {
		lower := strings.ToLower(name)
		switch {
		case lower == needle:
			res.Exact = append(res.Exact, name)
		case strings.Contains(lower, needle):
			res.Close = append(res.Close, name)
		case len(keywords) > 0 && containsAll(lower, keywords):
			res.Related = append(res.Related, name)
		}
	}
	return res
}

func containsAll(s string, keywords []string) bool {
	for _, k := range keywords {
		if !strings.Contains(s, k) {
			return false
		}
	}
	return true
}

func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return int64(f), nil
}

func formatNumber(n int64) string {
	return printer.Sprintf("%d", n)
}
