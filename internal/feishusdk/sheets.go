package feishusdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
)

// SpreadsheetRef captures identifiers parsed from a Feishu spreadsheet URL.
type SpreadsheetRef struct {
	RawURL           string
	SpreadsheetToken string
	SheetID          string
}

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

func isAllowedFeishuHost(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

// ParseSpreadsheetURL extracts spreadsheet token and sheet ID from a Feishu link.
func ParseSpreadsheetURL(raw string) (SpreadsheetRef, error) {
	ref := SpreadsheetRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}

	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if !isAllowedFeishuHost(u.Host) {
		return ref, fmt.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ref, errors.New("missing spreadsheet token in url path")
	}

	token := segments[len(segments)-1]
	if token == "" {
		return ref, errors.New("empty spreadsheet token")
	}

	ref.SpreadsheetToken = token
	ref.SheetID = u.Query().Get("sheet")
	if ref.SheetID == "" {
		ref.SheetID = u.Query().Get("sheet_id")
	}

	return ref, nil
}

// FetchRange reads a raw value range such as "IiekOA" or "IiekOA!A1:O500"
// without resolving sheet metadata. Rows are not padded.
func (c *Client) FetchRange(ctx context.Context, spreadsheetToken, rangeStr string) ([][]string, error) {
	if c == nil {
		return nil, errors.New("feishu: client is nil")
	}
	spreadsheetToken = strings.TrimSpace(spreadsheetToken)
	rangeStr = strings.TrimSpace(rangeStr)
	if spreadsheetToken == "" || rangeStr == "" {
		return nil, errors.New("feishu: spreadsheet token and range are required")
	}
	return c.fetchSheetValuesByRange(ctx, SpreadsheetRef{SpreadsheetToken: spreadsheetToken}, rangeStr)
}

func (c *Client) fetchSheetValuesByRange(ctx context.Context, ref SpreadsheetRef, rangeStr string) ([][]string, error) {
	var raw []byte
	if c.useHTTP() {
		path := fmt.Sprintf("/open-apis/sheets/v2/spreadsheets/%s/values/%s", ref.SpreadsheetToken, url.PathEscape(rangeStr))
		_, body, err := c.doJSONRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		raw = body
	} else {
		token, err := c.getTenantAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		req := &larkcore.ApiReq{
			HttpMethod: http.MethodGet,
			ApiPath:    "/open-apis/sheets/v2/spreadsheets/:spreadsheet_token/values/:range",
			PathParams: larkcore.PathParams{
				"spreadsheet_token": ref.SpreadsheetToken,
				"range":             rangeStr,
			},
			QueryParams:               larkcore.QueryParams{},
			SupportedAccessTokenTypes: []larkcore.AccessTokenType{larkcore.AccessTokenTypeTenant, larkcore.AccessTokenTypeUser},
		}
		resp, err := c.doSDKOpenAPIRequest(ctx, req, c.tenantRequestOptions(token)...)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("feishu: empty response when getting sheet values")
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("feishu: http %d response: %s", resp.StatusCode, strings.TrimSpace(string(resp.RawBody)))
		}
		raw = resp.RawBody
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			ValueRange struct {
				Range  string  `json:"range"`
				Values [][]any `json:"values"`
			} `json:"valueRange"`
			ValueRanges []struct {
				Range  string  `json:"range"`
				Values [][]any `json:"values"`
			} `json:"valueRanges"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("feishu: decode sheet values: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("feishu: get sheet values failed code=%d msg=%s", resp.Code, resp.Msg)
	}

	rawValues := resp.Data.ValueRange.Values
	if len(rawValues) == 0 && len(resp.Data.ValueRanges) > 0 {
		rawValues = resp.Data.ValueRanges[0].Values
	}
	if len(rawValues) == 0 {
		return [][]string{}, nil
	}

	values := normalizeSheetValues(rawValues)
	if len(values) == 0 {
		return [][]string{}, nil
	}
	return values, nil
}

func normalizeSheetValues(values [][]any) [][]string {
	if len(values) == 0 {
		return [][]string{}
	}
	out := make([][]string, 0, len(values))
	for _, row := range values {
		if len(row) == 0 {
			out = append(out, []string{})
			continue
		}
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = strings.TrimSpace(toString(cell))
		}
		out = append(out, cells)
	}
	return out
}
