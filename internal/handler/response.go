// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"net/http"

	"pagechat-go/internal/model"
	"pagechat-go/internal/service"
	"pagechat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    data,
	})
}

// respondError 把错误归类后以统一的 JSON 结构返回，data.kind 是错误分类。
func respondError(c *gin.Context, err error) {
	appErr := service.ClassifyError(err)
	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Errorf("请求处理失败, path: %s, error: %v", c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{
		"code":    status,
		"message": appErr.Message,
		"data":    gin.H{"kind": appErr.Kind},
	})
}

// parseContext 解析客户端传来的页面上下文，格式错误时视为没有上下文。
func parseContext(raw []byte) model.PageContext {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var pc model.PageContext
	if err := json.Unmarshal(raw, &pc); err != nil {
		log.Warnf("忽略格式错误的页面上下文: %v", err)
		return nil
	}
	return pc
}
