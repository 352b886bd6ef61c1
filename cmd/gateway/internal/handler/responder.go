package handler

import (
	"github.com/gin-gonic/gin"
)

// ginResponder adapts a gin context to relay.Responder.
type ginResponder struct {
	c *gin.Context
}

func (r ginResponder) SetHeader(key, value string) {
	r.c.Header(key, value)
}

func (r ginResponder) SendJSON(status int, v any) error {
	r.c.JSON(status, v)
	return nil
}

func (r ginResponder) SendChunk(data []byte) error {
	if _, err := r.c.Writer.Write(data); err != nil {
		return err
	}
	r.c.Writer.Flush()
	return nil
}
