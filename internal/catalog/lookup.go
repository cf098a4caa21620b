package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownAttribute = errors.New("catalog: unknown attribute")

// statusLabels orders and names the sale statuses stored in the graph.
var statusLabels = []struct {
	status string
	label  string
}{
	{"판매", "판매중"},
	{"품절", "품절"},
	{"일시품절", "일시품절"},
	{"노출안함", "노출안함"},
}

// Lookup answers one attribute question about product as a short Korean
// fact sentence suitable as grounding for a reply. A product or attribute
// that is not in the catalog yields a "not found" sentence, not an error.
func (c *Client) Lookup(ctx context.Context, product string, attr Attribute) (string, error) {
	product = strings.TrimSpace(product)
	if product == "" {
		return "", errors.New("catalog: product name is required")
	}

	switch attr {
	case AttrColor, AttrSize, AttrType:
		name := optionNames[attr]
		values, err := c.Options(ctx, product, name)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return notFound(product, name), nil
		}
		return fmt.Sprintf("'%s' 상품의 %s 옵션: %s", product, name, strings.Join(values, ", ")), nil

	case AttrPrice:
		price, ok, err := c.BasePrice(ctx, product)
		if err != nil {
			return "", err
		}
		if !ok {
			return notFound(product, "가격"), nil
		}
		return fmt.Sprintf("'%s' 상품의 가격: %s원", product, formatNumber(price)), nil

	case AttrVariantPrice:
		base, variants, err := c.VariantPrices(ctx, product)
		if err != nil {
			return "", err
		}
		if len(variants) == 0 {
			return notFound(product, "옵션별 가격"), nil
		}
		return formatVariantPrices(product, base, variants), nil

	case AttrStock:
		stock, err := c.Stock(ctx, product)
		if err != nil {
			return "", err
		}
		if len(stock) == 0 {
			return notFound(product, "재고"), nil
		}
		return formatStock(product, stock), nil

	case AttrSaleStatus:
		statuses, err := c.SaleStatus(ctx, product)
		if err != nil {
			return "", err
		}
		if len(statuses) == 0 {
			return notFound(product, "판매 상태"), nil
		}
		return formatSaleStatus(product, statuses), nil

	case AttrSearch:
		res, err := c.Search(ctx, product)
		if err != nil {
			return "", err
		}
		if res.Empty() {
			return fmt.Sprintf("'%s'에 해당하는 상품을 찾을 수 없습니다.", product), nil
		}
		return formatSearch(product, res), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAttribute, attr)
}

func notFound(product, what string) string {
	return fmt.Sprintf("'%s' 상품의 %s 정보를 찾을 수 없습니다.", product, what)
}

func formatVariantPrices(product string, base int64, variants []VariantPrice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "'%s' 상품의 옵션별 가격:\n기본 가격: %s원", product, formatNumber(base))
	for _, v := range variants {
		if v.Extra == 0 {
			fmt.Fprintf(&b, "\n%s: %s원", v.Label, formatNumber(base))
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s원 (기본가 + %s원)", v.Label, formatNumber(base+v.Extra), formatNumber(v.Extra))
	}
	return b.String()
}

func formatStock(product string, stock []VariantStock) string {
	var b strings.Builder
	var total int64
	fmt.Fprintf(&b, "'%s' 상품의 재고 현황:", product)
	for _, s := range stock {
		fmt.Fprintf(&b, "\n  %s: %s개", s.Label, formatNumber(s.Quantity))
		total += s.Quantity
	}
	fmt.Fprintf(&b, "\n\n총 재고: %s개", formatNumber(total))
	return b.String()
}

func formatSaleStatus(product string, statuses []VariantStatus) string {
	groups := make(map[string][]string)
	var order []string
	for _, s := range statuses {
		if _, ok := groups[s.Status]; !ok {
			order = append(order, s.Status)
		}
		groups[s.Status] = append(groups[s.Status], s.Label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "'%s' 상품의 판매 상태:", product)
	known := make(map[string]bool, len(statusLabels))
	for _, sl := range statusLabels {
		known[sl.status] = true
		if labels, ok := groups[sl.status]; ok {
			fmt.Fprintf(&b, "\n%s: %d개 옵션", sl.label, len(labels))
		}
	}
	for _, status := range order {
		if !known[status] {
			fmt.Fprintf(&b, "\n%s: %d개 옵션", status, len(groups[status]))
		}
	}
	if onSale := groups["판매"]; len(onSale) > 0 {
		b.WriteString("\n\n판매중인 옵션:")
		for _, label := range onSale {
			fmt.Fprintf(&b, "\n  - %s", label)
		}
	}
	return b.String()
}

func formatSearch(partial string, res SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "'%s'으로 찾은 상품:", partial)
	writeGroup := func(title string, names []string) {
		if len(names) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:", title)
		for _, n := range names {
			fmt.Fprintf(&b, "\n  - %s", n)
		}
	}
	writeGroup("정확한 상품명", res.Exact)
	writeGroup("가능한 상품", res.Close)
	if len(res.Close) < 3 {
		writeGroup("관련 상품", res.Related)
	}
	return b.String()
}
