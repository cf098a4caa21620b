package responder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"support-agent/internal/catalog"
	"support-agent/internal/domain"
)

// Category is the intent a consolidated customer message is routed by.
type Category string

const (
	CategoryProduct  Category = "product"
	CategoryDelivery Category = "delivery"
	CategoryGeneral  Category = "general"
)

type classification struct {
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

type productQuery struct {
	Supported   bool   `json:"supported"`
	ProductName string `json:"product_name"`
	Attribute   string `json:"attribute"`
}

var (
	classificationSchema = domain.ResponseSchema{
		Name: "request_classification",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category":  map[string]any{"type": "string", "enum": []string{string(CategoryProduct), string(CategoryDelivery), string(CategoryGeneral)}},
				"reasoning": map[string]any{"type": "string"},
			},
			"required":             []string{"category", "reasoning"},
			"additionalProperties": false,
		}),
	}

	productQuerySchema = domain.ResponseSchema{
		Name: "product_query",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"supported":    map[string]any{"type": "boolean"},
				"product_name": map[string]any{"type": "string"},
				"attribute":    map[string]any{"type": "string", "enum": attributeNames()},
			},
			"required":             []string{"supported", "product_name", "attribute"},
			"additionalProperties": false,
		}),
	}
)

func mustSchema(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("responder: marshal schema: %v", err))
	}
	return b
}

func attributeNames() []string {
	out := make([]string, 0, len(catalog.Attributes))
	for _, a := range catalog.Attributes {
		out = append(out, string(a))
	}
	return out
}

func buildClassifyMessages(text string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"사용자 요청을 분석하여 적절한 상담 유형을 선택하는 분류기입니다.",
			"",
			"분류 기준:",
			"- product: 상품 정보, 가격, 색상, 사이즈, 재고, 상품 검색 등",
			"- delivery: 배송 상태, 배송 정책, 배송 시간, 주문 조회 등",
			"- general: 일반적인 문의, 인사, 기타 등",
			"",
			"category에는 product, delivery, general 중 하나를, reasoning에는 분류 근거를 짧게 적습니다.",
		}, "\n")},
		{Role: "user", Content: text},
	}
}

func buildProductQueryMessages(text string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"고객 문의에서 조회할 상품명과 조회 항목을 추출합니다.",
			"",
			"조회 항목:",
			"- color: 색상 옵션",
			"- size: 사이즈 옵션",
			"- type: 타입 옵션",
			"- price: 기본 가격",
			"- variant_price: 옵션별 가격",
			"- stock: 재고",
			"- sale_status: 판매 상태",
			"- search: 상품명이 불완전하거나 정확한 상품을 찾아야 할 때",
			"",
			"지원하지 않는 요청: 사이즈 추천, 상품 추천, 상품 비교, 순위, 주문, 결제, 배송, 환불, 교환, 리뷰, 사진, 회원 관리.",
			"지원하지 않는 요청이면 supported=false, product_name=\"\" 로 답합니다.",
			"상품명은 고객이 쓴 표현 그대로 적습니다.",
		}, "\n")},
		{Role: "user", Content: text},
	}
}

func buildProductAnswerMessages(text, fact string, history []domain.ChatMessage) []domain.ChatMessage {
	system := strings.Join([]string{
		"상품 정보를 상담원처럼 자연스럽게 안내하는 도우미입니다.",
		"\"문의해주신 상품은 블랙, 화이트 색상 있습니다\" 같은 상담원 말투로 친절하게 답변합니다.",
		"",
		"규칙:",
		agentRules(),
		"",
		"조회 결과:",
		fact,
	}, "\n")
	return withHistory(system, text, history)
}

func buildDeliveryMessages(text string, history []domain.ChatMessage) []domain.ChatMessage {
	system := strings.Join([]string{
		"배송 관련 문의를 처리하는 쇼핑몰 상담원입니다.",
		"주문 번호나 송장 정보를 조회할 수 없으므로, 확인이 필요한 내용은 담당자가 확인 후 안내드린다고 답합니다.",
		"",
		"규칙:",
		agentRules(),
	}, "\n")
	return withHistory(system, text, history)
}

func buildGeneralMessages(text string, history []domain.ChatMessage) []domain.ChatMessage {
	system := strings.Join([]string{
		"일반적인 문의를 처리하는 쇼핑몰 상담원입니다.",
		"",
		"규칙:",
		agentRules(),
	}, "\n")
	return withHistory(system, text, history)
}

func agentRules() string {
	return strings.Join([]string{
		"1) 한국어 존댓말로 간결하고 친절하게 답합니다.",
		"2) 과도한 인사말이나 추가 질문 유도는 하지 않습니다.",
		"3) 가격은 천 단위 쉼표를 붙입니다.",
		"4) 주어진 정보에 없는 내용은 지어내지 않습니다.",
		"5) 답할 수 없는 내용이면 정확히 다음 문장으로 답합니다: \"" + unknownAnswer + "\"",
	}, "\n")
}

const unknownAnswer = "보다 정확하고 친절한 안내를 위해 확인 중입니다. 잠시 기다려주시면 빠른 응대 도와드리겠습니다."

func withHistory(system, text string, history []domain.ChatMessage) []domain.ChatMessage {
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: "system", Content: system})
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, m)
	}
	return append(messages, domain.ChatMessage{Role: "user", Content: text})
}

// decodeStrict decodes exactly one JSON document into out, rejecting
// unknown fields and trailing data.
func decodeStrict(raw string, out any) error {
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("multiple JSON values")
		}
		return fmt.Errorf("trailing data: %w", err)
	}
	return nil
}

func parseClassification(raw string) (Category, string, error) {
	var out classification
	if err := decodeStrict(raw, &out); err != nil {
		return "", "", fmt.Errorf("responder: decode classification: %w", err)
	}
	switch c := Category(strings.ToLower(strings.TrimSpace(out.Category))); c {
	case CategoryProduct, CategoryDelivery, CategoryGeneral:
		return c, out.Reasoning, nil
	default:
		return CategoryGeneral, out.Reasoning, nil
	}
}

func parseProductQuery(raw string) (productQuery, error) {
	var out productQuery
	if err := decodeStrict(raw, &out); err != nil {
		return productQuery{}, fmt.Errorf("responder: decode product query: %w", err)
	}
	out.ProductName = strings.TrimSpace(out.ProductName)
	out.Attribute = strings.TrimSpace(out.Attribute)
	return out, nil
}
