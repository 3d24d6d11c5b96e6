package api

import (
	"net/http"
	"strings"

	"StoryToComic-server/config"

	"github.com/gin-gonic/gin"
)

type preferencesBody struct {
	Provider      *string `json:"provider"`
	TextModel     *string `json:"textModel"`
	ImageModel    *string `json:"imageModel"`
	UseBatch      *bool   `json:"useBatch"`
	Concurrency   *int    `json:"concurrency"`
	AvatarImage   *string `json:"avatarImage"`
	WatermarkText *string `json:"watermarkText"`
	AspectRatio   *string `json:"aspectRatio"`
	Strategy      *string `json:"strategy"`
	APIKey        *string `json:"apiKey"`
}

func preferencesView(p config.Preferences) gin.H {
	return gin.H{
		"provider":      p.Provider,
		"textModel":     p.TextModel,
		"imageModel":    p.ImageModel,
		"useBatch":      p.UseBatch,
		"concurrency":   p.Concurrency,
		"avatarImage":   p.AvatarImage,
		"watermarkText": p.WatermarkText,
		"aspectRatio":   p.AspectRatio,
		"strategy":      p.Strategy,
		"hasApiKey":     p.APIKey != "",
	}
}

// 获取用户偏好：GET /v1/api/preferences（不返回 API key 本身）
func GetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"preferences": preferencesView(manager.Preferences())})
}

// 保存用户偏好：PUT /v1/api/preferences，对之后打开的项目生效
func UpdatePreferences(c *gin.Context) {
	var req preferencesBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := manager.Preferences()
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&p.Provider, req.Provider)
	set(&p.TextModel, req.TextModel)
	set(&p.ImageModel, req.ImageModel)
	set(&p.AvatarImage, req.AvatarImage)
	set(&p.WatermarkText, req.WatermarkText)
	set(&p.AspectRatio, req.AspectRatio)
	set(&p.Strategy, req.Strategy)
	set(&p.APIKey, req.APIKey)
	if req.UseBatch != nil {
		p.UseBatch = *req.UseBatch
	}
	if req.Concurrency != nil {
		if *req.Concurrency < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "concurrency must be positive"})
			return
		}
		p.Concurrency = *req.Concurrency
	}

	if err := config.SavePreferences(preferencesFile, p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存偏好失败: " + err.Error()})
		return
	}
	manager.SetPreferences(p)
	c.JSON(http.StatusOK, gin.H{"preferences": preferencesView(p)})
}
