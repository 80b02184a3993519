package voucher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"voucher-service/config"
	"voucher-service/models"
	"voucher-service/monitoring"
)

const omadaService = "omada-controller"

var ErrProvisioningDisabled = errors.New("omada controller not configured")

// OmadaProvisioner creates hotspot vouchers on a TP-Link Omada controller.
type OmadaProvisioner struct {
	cfg    config.OmadaConfig
	client *http.Client
}

func NewOmadaProvisioner(cfg config.OmadaConfig, timeout time.Duration) *OmadaProvisioner {
	jar, _ := cookiejar.New(nil)
	return &OmadaProvisioner{
		cfg: cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
			Jar:       jar,
		},
	}
}

// Enabled reports whether a controller is configured.
func (o *OmadaProvisioner) Enabled() bool {
	return o.cfg.URL != "" && o.cfg.Username != ""
}

type omadaEnvelope struct {
	ErrorCode int             `json:"errorCode"`
	Msg       string          `json:"msg"`
	Result    json.RawMessage `json:"result"`
}

type omadaVoucher struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Duration int    `json:"duration"`
	Amount   int    `json:"amount"`
	Limit    int    `json:"limitNum"`
}

// Provision logs in, resolves the site and creates a single-use voucher
// named MYQL-<code> lasting the package duration in minutes.
func (o *OmadaProvisioner) Provision(ctx context.Context, v *models.Voucher, pkg *models.Package) error {
	if !o.Enabled() {
		return ErrProvisioningDisabled
	}

	token, err := o.login(ctx)
	if err != nil {
		return err
	}

	siteID := o.cfg.SiteID
	if siteID == "" {
		if siteID, err = o.firstSite(ctx, token); err != nil {
			return err
		}
	}

	path := "/api/v2/hotspot/sites/" + url.PathEscape(siteID) + "/vouchers"
	return o.call(ctx, "create_voucher", http.MethodPost, path, token, omadaVoucher{
		Name:     "MYQL-" + v.Code,
		Code:     v.Code,
		Duration: pkg.DurationHours * 60,
		Amount:   1,
		Limit:    1,
	}, nil)
}

func (o *OmadaProvisioner) login(ctx context.Context) (string, error) {
	var result struct {
		Token string `json:"token"`
	}
	err := o.call(ctx, "login", http.MethodPost, "/api/v2/login", "", map[string]string{
		"username": o.cfg.Username,
		"password": o.cfg.Password,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", errors.New("omada login returned no token")
	}
	return result.Token, nil
}

func (o *OmadaProvisioner) firstSite(ctx context.Context, token string) (string, error) {
	var result struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := o.call(ctx, "sites", http.MethodGet, "/api/v2/sites?currentPage=1&currentPageSize=10", token, nil, &result); err != nil {
		return "", err
	}
	if len(result.Data) == 0 {
		return "", errors.New("omada controller has no sites")
	}
	return result.Data[0].ID, nil
}

func (o *OmadaProvisioner) call(ctx context.Context, operation, method, path, token string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.cfg.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Csrf-Token", token)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		monitoring.RecordExternalCall(ctx, omadaService, operation, "error", start)
		return fmt.Errorf("failed to call omada %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		monitoring.RecordExternalCall(ctx, omadaService, operation, "failed", start)
		return fmt.Errorf("omada %s returned status %d", operation, resp.StatusCode)
	}

	var env omadaEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		monitoring.RecordExternalCall(ctx, omadaService, operation, "failed", start)
		return fmt.Errorf("failed to decode omada %s response: %w", operation, err)
	}
	if env.ErrorCode != 0 {
		monitoring.RecordExternalCall(ctx, omadaService, operation, "failed", start)
		return fmt.Errorf("omada %s failed: %d %s", operation, env.ErrorCode, env.Msg)
	}
	monitoring.RecordExternalCall(ctx, omadaService, operation, "success", start)

	if out != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}
