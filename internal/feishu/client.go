// Package feishu 将任务运行记录与设备状态同步到飞书多维表格。
package feishu

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"

	"github.com/httprunner/EmuAgent/internal/config"
)

const defaultBaseURL = "https://open.feishu.cn"

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef identifies one table inside a bitable app.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
}

// ParseBitableURL extracts the app token and table id from a /base/<app>?table=<id> link.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Host) {
		return ref, errors.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url")
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}
	return ref, nil
}

func isAllowedFeishuHost(host string) bool {
	lower := strings.ToLower(strings.TrimSpace(host))
	if lower == "" {
		return false
	}
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

// recordAPI is the subset of the bitable record service we call.
type recordAPI interface {
	Search(ctx context.Context, ref BitableRef, filter *larkbitable.FilterInfo) ([]*larkbitable.AppTableRecord, error)
	Create(ctx context.Context, ref BitableRef, fields map[string]any) (string, error)
	Update(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error
}

type larkAppTableRecordService interface {
	Search(ctx context.Context, req *larkbitable.SearchAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkRecordAPI struct {
	svc larkAppTableRecordService
}

func (a sdkRecordAPI) Search(ctx context.Context, ref BitableRef, filter *larkbitable.FilterInfo) ([]*larkbitable.AppTableRecord, error) {
	body := &larkbitable.SearchAppTableRecordReqBody{Filter: filter}
	req := larkbitable.NewSearchAppTableRecordReqBuilder().
		AppToken(ref.AppToken).
		TableId(ref.TableID).
		PageSize(20).
		Body(body).
		Build()
	resp, err := a.svc.Search(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "feishu: search records request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return nil, errors.New("feishu: empty response when searching records")
	}
	if err := ensureSDKSuccess("search records", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, nil
	}
	return resp.Data.Items, nil
}

func (a sdkRecordAPI) Create(ctx context.Context, ref BitableRef, fields map[string]any) (string, error) {
	record := larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).
		TableId(ref.TableID).
		AppTableRecord(record).
		Build()
	resp, err := a.svc.Create(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "feishu: create record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when creating record")
	}
	if err := ensureSDKSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return "", errors.New("feishu: create record response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

func (a sdkRecordAPI) Update(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error {
	record := larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).
		TableId(ref.TableID).
		RecordId(recordID).
		AppTableRecord(record).
		Build()
	resp, err := a.svc.Update(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu: update record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when updating record")
	}
	return ensureSDKSuccess("update record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
}

func ensureSDKSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return fmt.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return fmt.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}

// Credentials holds the app identity used by the SDK.
type Credentials struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// CredentialsFromEnv reads FEISHU_APP_ID, FEISHU_APP_SECRET and FEISHU_BASE_URL.
func CredentialsFromEnv() Credentials {
	return Credentials{
		AppID:     config.String(config.EnvFeishuAppID, ""),
		AppSecret: config.String(config.EnvFeishuAppSecret, ""),
		BaseURL:   config.String(config.EnvFeishuBaseURL, defaultBaseURL),
	}
}

func newRecordAPI(cred Credentials) (recordAPI, error) {
	if cred.AppID == "" || cred.AppSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cred.BaseURL), "/")
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL != "" && baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(cred.AppID, cred.AppSecret, opts...)
	return sdkRecordAPI{svc: client.Bitable.V1.AppTableRecord}, nil
}
