package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"support-agent/internal/catalog"
	"support-agent/internal/domain"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type mockLLM struct {
	flagged     bool
	moderateErr error

	jsonBySchema map[string]string
	jsonErr      error

	chatAnswer string
	chatErr    error

	chatCalls []chatCall
	jsonCalls []string
}

type chatCall struct {
	model    string
	messages []domain.ChatMessage
}

func (m *mockLLM) Moderate(_ context.Context, _ string) (bool, error) {
	return m.flagged, m.moderateErr
}

func (m *mockLLM) ChatJSON(_ context.Context, _ string, _ []domain.ChatMessage, schema domain.ResponseSchema) (string, error) {
	m.jsonCalls = append(m.jsonCalls, schema.Name)
	if m.jsonErr != nil {
		return "", m.jsonErr
	}
	return m.jsonBySchema[schema.Name], nil
}

func (m *mockLLM) Chat(_ context.Context, model string, messages []domain.ChatMessage) (string, error) {
	m.chatCalls = append(m.chatCalls, chatCall{model: model, messages: messages})
	return m.chatAnswer, m.chatErr
}

type mockCatalog struct {
	fact    string
	err     error
	product string
	attr    catalog.Attribute
}

func (m *mockCatalog) Lookup(_ context.Context, product string, attr catalog.Attribute) (string, error) {
	m.product, m.attr = product, attr
	return m.fact, m.err
}

func classified(category string) string {
	return fmt.Sprintf(`{"category":%q,"reasoning":"test"}`, category)
}

func newRouter(t *testing.T, llm *mockLLM, opts ...Option) *Router {
	t.Helper()
	r, err := NewRouter(nil, llm, "", append([]Option{WithModel("gpt-test")}, opts...)...)
	require.NoError(t, err)
	return r
}

func systemPrompt(c chatCall) string {
	return c.messages[0].Content
}

func TestRespond_ProductGroundedOnLookup(t *testing.T) {
	llm := &mockLLM{
		jsonBySchema: map[string]string{
			classificationSchema.Name: classified("product"),
			productQuerySchema.Name:   `{"supported":true,"product_name":" 린넨 셔츠 ","attribute":"color"}`,
		},
		chatAnswer: " 문의해주신 상품은 네이비, 화이트 색상 있습니다. ",
	}
	cat := &mockCatalog{fact: "'린넨 셔츠' 상품의 색상 옵션: 네이비, 화이트"}
	r := newRouter(t, llm, WithCatalog(cat))

	reply, err := r.Respond(context.Background(), "린넨 셔츠 무슨 색 있어요?", nil)
	require.NoError(t, err)
	require.Equal(t, "문의해주신 상품은 네이비, 화이트 색상 있습니다.", reply)
	require.Equal(t, "린넨 셔츠", cat.product)
	require.Equal(t, catalog.AttrColor, cat.attr)

	require.Len(t, llm.chatCalls, 1)
	call := llm.chatCalls[0]
	require.Equal(t, "gpt-test", call.model)
	require.Contains(t, systemPrompt(call), cat.fact)
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "린넨 셔츠 무슨 색 있어요?"}, call.messages[len(call.messages)-1])
}

func TestRespond_RoutesByCategory(t *testing.T) {
	tests := []struct {
		category string
		want     string
	}{
		{"delivery", "배송 관련 문의"},
		{"general", "일반적인 문의"},
		{"refund", "일반적인 문의"},
		{"DELIVERY", "배송 관련 문의"},
	}
	for _, tc := range tests {
		t.Run(tc.category, func(t *testing.T) {
			llm := &mockLLM{
				jsonBySchema: map[string]string{classificationSchema.Name: classified(tc.category)},
				chatAnswer:   "안내드립니다.",
			}
			reply, err := newRouter(t, llm).Respond(context.Background(), "언제 와요?", nil)
			require.NoError(t, err)
			require.Equal(t, "안내드립니다.", reply)
			require.Len(t, llm.chatCalls, 1)
			require.Contains(t, systemPrompt(llm.chatCalls[0]), tc.want)
		})
	}
}

func TestRespond_ProductWithoutCatalogUsesGeneral(t *testing.T) {
	llm := &mockLLM{
		jsonBySchema: map[string]string{classificationSchema.Name: classified("product")},
		chatAnswer:   "확인 후 안내드리겠습니다.",
	}
	_, err := newRouter(t, llm).Respond(context.Background(), "셔츠 가격", nil)
	require.NoError(t, err)
	require.Equal(t, []string{classificationSchema.Name}, llm.jsonCalls)
	require.Contains(t, systemPrompt(llm.chatCalls[0]), "일반적인 문의")
}

func TestRespond_UnsupportedProductRequest(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"not supported", `{"supported":false,"product_name":"","attribute":"search"}`},
		{"no product name", `{"supported":true,"product_name":"  ","attribute":"price"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			llm := &mockLLM{jsonBySchema: map[string]string{
				classificationSchema.Name: classified("product"),
				productQuerySchema.Name:   tc.query,
			}}
			cat := &mockCatalog{}
			_, err := newRouter(t, llm, WithCatalog(cat)).Respond(context.Background(), "추천해주세요", nil)
			require.ErrorIs(t, err, ErrUnsupported)
			require.Empty(t, llm.chatCalls)
			require.Empty(t, cat.product)
		})
	}
}

func TestRespond_UnknownAttributeIsUnsupported(t *testing.T) {
	llm := &mockLLM{jsonBySchema: map[string]string{
		classificationSchema.Name: classified("product"),
		productQuerySchema.Name:   `{"supported":true,"product_name":"셔츠","attribute":"review"}`,
	}}
	cat := &mockCatalog{err: fmt.Errorf("%w: review", catalog.ErrUnknownAttribute)}
	_, err := newRouter(t, llm, WithCatalog(cat)).Respond(context.Background(), "셔츠 리뷰", nil)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRespond_CatalogFailure(t *testing.T) {
	llm := &mockLLM{jsonBySchema: map[string]string{
		classificationSchema.Name: classified("product"),
		productQuerySchema.Name:   `{"supported":true,"product_name":"셔츠","attribute":"stock"}`,
	}}
	cat := &mockCatalog{err: errors.New("connection refused")}
	_, err := newRouter(t, llm, WithCatalog(cat)).Respond(context.Background(), "셔츠 재고", nil)
	require.ErrorContains(t, err, "catalog lookup")
	require.Empty(t, llm.chatCalls)
}

func TestRespond_Flagged(t *testing.T) {
	llm := &mockLLM{flagged: true}
	_, err := newRouter(t, llm).Respond(context.Background(), "bad words", nil)
	require.ErrorIs(t, err, ErrFlagged)
	require.Empty(t, llm.jsonCalls)
	require.Empty(t, llm.chatCalls)
}

func TestRespond_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		llm     *mockLLM
		wantErr string
	}{
		{"moderation", &mockLLM{moderateErr: errors.New("429")}, "moderation"},
		{"classify", &mockLLM{jsonErr: errors.New("timeout")}, "classify"},
		{"malformed classification", &mockLLM{jsonBySchema: map[string]string{classificationSchema.Name: `{"category":"general","extra":1}`}}, "decode classification"},
		{"trailing data", &mockLLM{jsonBySchema: map[string]string{classificationSchema.Name: classified("general") + ` {}`}}, "multiple JSON values"},
		{"answer", &mockLLM{jsonBySchema: map[string]string{classificationSchema.Name: classified("general")}, chatErr: errors.New("502")}, "general answer"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newRouter(t, tc.llm).Respond(context.Background(), "안녕하세요", nil)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestRespond_EmptyInput(t *testing.T) {
	_, err := newRouter(t, &mockLLM{}).Respond(context.Background(), "  \n", nil)
	require.Error(t, err)
}

func TestRespond_IncludesRecentHistory(t *testing.T) {
	var history []domain.ChatMessage
	for i := 0; i < maxHistoryMessages+5; i++ {
		history = append(history, domain.ChatMessage{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	history = append(history, domain.ChatMessage{Role: "assistant", Content: " "})

	llm := &mockLLM{
		jsonBySchema: map[string]string{classificationSchema.Name: classified("general")},
		chatAnswer:   "네",
	}
	_, err := newRouter(t, llm).Respond(context.Background(), "질문", history)
	require.NoError(t, err)

	msgs := llm.chatCalls[0].messages
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "질문", msgs[len(msgs)-1].Content)
	require.Len(t, msgs, maxHistoryMessages-1+2)
	require.Equal(t, "m6", msgs[1].Content)
}

func TestEnsureModel_LoadsOnceFromParamStore(t *testing.T) {
	params := &mockParams{vals: map[string]string{"/support-agent/config/openai_model": " gpt-4o-mini "}}
	llm := &mockLLM{
		jsonBySchema: map[string]string{classificationSchema.Name: classified("general")},
		chatAnswer:   "네",
	}
	r, err := NewRouter(params, llm, "/support-agent/")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := r.Respond(context.Background(), "안녕하세요", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, params.calls)
	require.Equal(t, "gpt-4o-mini", llm.chatCalls[1].model)
}

func TestEnsureModel_RetriesAfterFailure(t *testing.T) {
	params := &mockParams{err: errors.New("temporary ssm failure")}
	llm := &mockLLM{
		jsonBySchema: map[string]string{classificationSchema.Name: classified("general")},
		chatAnswer:   "네",
	}
	r, err := NewRouter(params, llm, "/support-agent")
	require.NoError(t, err)

	_, err = r.Respond(context.Background(), "안녕하세요", nil)
	require.ErrorContains(t, err, "load openai model")

	params.err = nil
	params.vals = map[string]string{"/support-agent/config/openai_model": "gpt-4o-mini"}
	_, err = r.Respond(context.Background(), "안녕하세요", nil)
	require.NoError(t, err)
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(nil, nil, "/p")
	require.Error(t, err)
	_, err = NewRouter(nil, &mockLLM{}, "/p")
	require.Error(t, err)
	_, err = NewRouter(&mockParams{}, &mockLLM{}, " ")
	require.Error(t, err)
	_, err = NewRouter(nil, &mockLLM{}, "", WithModel("gpt"))
	require.NoError(t, err)
}

func TestSchemasAreStrictObjects(t *testing.T) {
	for _, s := range []domain.ResponseSchema{classificationSchema, productQuerySchema} {
		require.True(t, strings.Contains(string(s.Schema), `"additionalProperties":false`), s.Name)
	}
	require.Contains(t, string(productQuerySchema.Schema), `"variant_price"`)
}
