package builder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// mixinKeyTable is fixed by Bilibili; it derives the wbi signing key from
// the img_key + sub_key pair returned by the nav endpoint.
var mixinKeyTable = []int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 52, 25,
	22, 44, 56, 30, 20, 36, 11, 21, 4, 34, 54, 57, 59, 6,
}

// wbiKeysResp mirrors the wbi_img portion of the nav endpoint response.
type wbiKeysResp struct {
	Data struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	} `json:"data"`
}

// GetWBIKeys fetches the current wbi img_key/sub_key pair from the nav
// endpoint. FetchConf calls this itself, before its own nav lookup, when
// the builder has WithWBISigning set; it is exported so callers wbi-signing
// other Bilibili endpoints can reuse it directly.
func GetWBIKeys(ctx context.Context, req Requester, sessToken string) (imgKey, subKey string, err error) {
	cookies := map[string]string{}
	if sessToken != "" {
		cookies["SESSDATA"] = sessToken
	}

	var resp wbiKeysResp
	if err := req.GetJSONWith(ctx, "https://api.bilibili.com/x/web-interface/nav", nil, cookies, &resp); err != nil {
		return "", "", fmt.Errorf("nav request: %w", err)
	}

	imgKey = strings.TrimSuffix(path.Base(resp.Data.WbiImg.ImgURL), path.Ext(resp.Data.WbiImg.ImgURL))
	subKey = strings.TrimSuffix(path.Base(resp.Data.WbiImg.SubURL), path.Ext(resp.Data.WbiImg.SubURL))
	return imgKey, subKey, nil
}

// MixinKey derives the wbi signing key from img_key + sub_key via the
// fixed mixin table.
func MixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var key strings.Builder
	for _, idx := range mixinKeyTable {
		if idx < len(raw) {
			key.WriteByte(raw[idx])
		}
	}
	s := key.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// SignWBI signs query parameters with wbi, returning the signed query
// string (including the appended w_rid). params is mutated: a "wts"
// timestamp is added.
func SignWBI(params map[string]string, mixinKey string) string {
	params["wts"] = strconv.FormatInt(time.Now().Unix(), 10)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var query strings.Builder
	for i, k := range keys {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(k))
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(sanitizeWBIValue(params[k])))
	}
	queryStr := query.String()

	h := md5.New()
	h.Write([]byte(queryStr + mixinKey))
	wRid := hex.EncodeToString(h.Sum(nil))

	return queryStr + "&w_rid=" + wRid
}

// SignWBIParams signs params in place and returns them augmented with
// "wts" and "w_rid", ready to pass directly as the params argument to
// Requester.GetJSONWith — unlike SignWBI, which returns a pre-encoded
// query string instead of a map.
func SignWBIParams(params map[string]string, mixinKey string) map[string]string {
	query := SignWBI(params, mixinKey)
	parsed, err := url.ParseQuery(query)
	if err != nil {
		return params
	}
	for k, vs := range parsed {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}

// sanitizeWBIValue strips characters Bilibili rejects in wbi-signed values.
func sanitizeWBIValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r != '!' && r != '\'' && r != '(' && r != ')' && r != '*' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
