// 文件路径: internal/protocol/utils.go
// 模块说明: 订阅响应头（流量、到期时间、更新间隔）。
package protocol

import (
	"fmt"
	"strconv"
)

const defaultUpdateIntervalHours = 24

func buildUserHeaders(req BuildRequest) map[string]string {
	interval := req.UpdateIntervalHours
	if interval <= 0 {
		interval = defaultUpdateIntervalHours
	}
	headers := map[string]string{
		"profile-update-interval": strconv.Itoa(interval),
	}
	if req.ProfileTitle != "" {
		headers["profile-title"] = req.ProfileTitle
	}
	if t := req.Traffic; t != nil {
		headers["subscription-userinfo"] = fmt.Sprintf("upload=%d; download=%d; total=%d; expire=%d", t.Upload, t.Download, t.Total, t.ExpiredAt)
	}
	return headers
}
