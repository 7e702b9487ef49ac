package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/message"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

// EncryptionHandler exposes key lifecycle and crypto operations to the
// authenticated user. Errors are attached with c.Error and rendered by
// middleware.ErrorHandler.
type EncryptionHandler struct {
	keys      *services.KeyService
	crypto    *services.CryptoService
	envelopes repository.EnvelopeRepository
	members   services.MembershipChecker
}

func NewEncryptionHandler(keys *services.KeyService, crypto *services.CryptoService, envelopes repository.EnvelopeRepository, members services.MembershipChecker) *EncryptionHandler {
	return &EncryptionHandler{keys: keys, crypto: crypto, envelopes: envelopes, members: members}
}

func (h *EncryptionHandler) RegisterRoutes(r gin.IRouter) {
	keys := r.Group("/keys")
	{
		keys.POST("/identity", h.InitializeIdentity)
		keys.POST("/prekeys", h.GeneratePreKeys)
		keys.GET("/prekeys/count", h.CountPreKeys)
		keys.POST("/signed-prekey/rotate", h.RotateSignedPreKey)
		keys.GET("/bundle/:user_id", h.GetBundle)
	}

	r.POST("/sessions/key-exchange", h.KeyExchange)
	r.POST("/groups/:group_id/sender-key/reset", h.ResetGroupSession)

	messages := r.Group("/messages")
	{
		messages.POST("/encrypt", h.Encrypt)
		messages.POST("/decrypt", h.Decrypt)
		messages.POST("/verify", h.Verify)
		messages.GET("/:id", h.GetEnvelope)
		messages.POST("/:id/decrypt", h.DecryptStored)
	}
}

func badRequest(c *gin.Context, msg string) {
	_ = c.Error(fmt.Errorf("%w: %s", sentinal_errors.ErrValidation, msg))
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(sentinal_errors.ErrUnauthorized)
	}
	return userID, ok
}

// deviceFor picks the requested device, then the token's device, then the default slot.
func deviceFor(c *gin.Context, requested int) int {
	if requested > 0 {
		return requested
	}
	if d, ok := services.DeviceIDFromContext(c.Request.Context()); ok && d > 0 {
		return d
	}
	return encryption.DefaultDeviceID
}

func queryDevice(c *gin.Context) (int, bool) {
	raw := c.Query("device_id")
	if raw == "" {
		return deviceFor(c, 0), true
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		badRequest(c, "invalid device_id")
		return 0, false
	}
	return id, true
}

func bindOptionalJSON(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid request")
		return false
	}
	return true
}

func (h *EncryptionHandler) InitializeIdentity(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.DeviceRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	identity, err := h.keys.InitializeIdentity(c.Request.Context(), userID, deviceFor(c, req.DeviceID))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromIdentityKey(identity)))
}

func (h *EncryptionHandler) GeneratePreKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.GeneratePreKeysRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	batch, err := h.keys.GeneratePreKeys(c.Request.Context(), userID, deviceFor(c, req.DeviceID), req.Count)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.PreKeyBatchResponse{
		FirstKeyID:     batch.FirstKeyID,
		Count:          batch.Count,
		SignedPreKeyID: batch.SignedPreKeyID,
	}))
}

func (h *EncryptionHandler) CountPreKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := queryDevice(c)
	if !ok {
		return
	}
	count, err := h.keys.CountPreKeys(c.Request.Context(), userID, deviceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PreKeyCountResponse{Count: count}))
}

func (h *EncryptionHandler) RotateSignedPreKey(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.DeviceRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	spk, err := h.keys.RotateSignedPreKey(c.Request.Context(), userID, deviceFor(c, req.DeviceID))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromSignedPreKey(spk)))
}

// GetBundle issues a bundle for another user's device, consuming one of its
// one-time prekeys.
func (h *EncryptionHandler) GetBundle(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	target, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		badRequest(c, "invalid user_id")
		return
	}
	deviceID, ok := queryDevice(c)
	if !ok {
		return
	}
	bundle, err := h.keys.IssueBundle(c.Request.Context(), target, deviceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromKeyBundle(bundle)))
}

func (h *EncryptionHandler) KeyExchange(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.KeyExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	res, err := h.crypto.KeyExchange(c.Request.Context(), userID, req.RemoteUserID, deviceFor(c, req.DeviceID))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.KeyExchangeResponse{
		SessionEstablished: res.SessionEstablished,
		Created:            res.Created,
	}))
}

func (h *EncryptionHandler) ResetGroupSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	groupID, err := uuid.Parse(c.Param("group_id"))
	if err != nil {
		badRequest(c, "invalid group_id")
		return
	}
	var req httpdto.DeviceRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if err := h.crypto.ResetGroupSession(c.Request.Context(), userID, groupID, deviceFor(c, req.DeviceID)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"reset": true}))
}

// Encrypt encrypts and stores the envelope so the addressee can fetch it.
func (h *EncryptionHandler) Encrypt(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.EncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	env, err := h.crypto.Encrypt(c.Request.Context(), userID,
		services.Addressing{RecipientID: req.RecipientID, GroupID: req.GroupID}, req.Plaintext, deviceFor(c, req.DeviceID))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.envelopes.SaveEnvelope(c.Request.Context(), env); err != nil {
		_ = c.Error(sentinal_errors.Storage(err))
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromEnvelope(env)))
}

func (h *EncryptionHandler) Decrypt(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.DecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	h.decrypt(c, userID, req.Envelope.ToEnvelope())
}

func (h *EncryptionHandler) DecryptStored(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	env, ok := h.loadEnvelope(c, userID)
	if !ok {
		return
	}
	h.decrypt(c, userID, env)
}

func (h *EncryptionHandler) decrypt(c *gin.Context, userID uuid.UUID, env message.Envelope) {
	out, err := h.crypto.Decrypt(c.Request.Context(), userID, env)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.DecryptedDTO{
		MessageID: out.MessageID,
		SenderID:  out.SenderID,
		GroupID:   out.GroupID,
		DeviceID:  out.DeviceID,
		Plaintext: out.Plaintext,
		Timestamp: out.Timestamp,
	}))
}

func (h *EncryptionHandler) Verify(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	var req httpdto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	valid := h.crypto.Verify(req.Envelope.ToEnvelope(), message.Metadata{
		ExpectedSenderID: req.ExpectedSenderID,
		Timestamp:        req.Timestamp,
	})
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.VerifyResponse{Valid: valid}))
}

func (h *EncryptionHandler) GetEnvelope(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	env, ok := h.loadEnvelope(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromEnvelope(env)))
}

// loadEnvelope fetches the envelope in the path if userID sent it or is one
// of its addressees.
func (h *EncryptionHandler) loadEnvelope(c *gin.Context, userID uuid.UUID) (message.Envelope, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid message id")
		return message.Envelope{}, false
	}
	env, err := h.envelopes.GetEnvelope(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(sentinal_errors.Storage(err))
		return message.Envelope{}, false
	}
	if err := h.canRead(c, env, userID); err != nil {
		_ = c.Error(err)
		return message.Envelope{}, false
	}
	return env, true
}

func (h *EncryptionHandler) canRead(c *gin.Context, env message.Envelope, userID uuid.UUID) error {
	if env.SenderID == userID {
		return nil
	}
	if !env.IsGroup() {
		if env.RecipientID != nil && *env.RecipientID == userID {
			return nil
		}
		return sentinal_errors.ErrAccessDenied
	}
	if h.members == nil {
		return nil
	}
	member, err := h.members.IsMember(c.Request.Context(), *env.GroupID, userID)
	if err != nil {
		return sentinal_errors.Wrap(sentinal_errors.ErrServiceUnavailable, err)
	}
	if !member {
		return sentinal_errors.ErrAccessDenied
	}
	return nil
}
