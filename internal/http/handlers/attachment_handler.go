package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/attachments"
)

// UploadAttachment godoc
// @ID          uploadAttachment
// @Summary     Upload an attachment
// @Description Stores a file under the conversation. The accepted types and size limit depend on the conversation's provider (see GET /models).
// @Tags        Attachments
// @Accept      multipart/form-data
// @Produce     json
// @Param       id    path      string  true  "Chat ID"
// @Param       file  formData  file    true  "File"
// @Success     201   {object}  attachments.Stored
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     413   {object}  handlers.ErrorResponse
// @Failure     415   {object}  handlers.ErrorResponse
// @Router      /chats/{id}/attachments [post]
func (h *Handlers) UploadAttachment(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "no file provided")
		return
	}
	if fh.Size > h.maxUpload {
		respond(c, fmt.Errorf("%w (max %d MB)", attachments.ErrTooLarge, h.maxUpload>>20))
		return
	}
	f, err := fh.Open()
	if err != nil {
		respond(c, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		respond(c, err)
		return
	}
	if int64(len(data)) > h.maxUpload {
		respond(c, fmt.Errorf("%w (max %d MB)", attachments.ErrTooLarge, h.maxUpload>>20))
		return
	}

	mediaType := fh.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = attachments.ContentType(fh.Filename)
	}

	stored, err := h.convs.Upload(c.Request.Context(), userID(c), c.Param("id"), fh.Filename, mediaType, data)
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusCreated, stored)
}

// DownloadAttachment godoc
// @ID          downloadAttachment
// @Summary     Download an attachment
// @Tags        Attachments
// @Produce     octet-stream
// @Param       id        path  string  true  "Chat ID"
// @Param       filename  path  string  true  "Stored filename"
// @Success     200  {file}    file
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chats/{id}/attachments/{filename} [get]
func (h *Handlers) DownloadAttachment(c *gin.Context) {
	name := c.Param("filename")
	path, err := h.convs.AttachmentPath(c.Request.Context(), userID(c), c.Param("id"), name)
	if err != nil {
		respond(c, err)
		return
	}
	c.Header("Content-Type", attachments.ContentType(name))
	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.File(path)
}
