package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/model"
)

type DeviceHandler struct {
	Fleet *fleet.Fleet
}

type createTenantBody struct {
	Name string `json:"name"`
}

type registerDeviceBody struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func deviceJSON(d model.Device, connected bool) gin.H {
	return gin.H{
		"id":                   d.ID,
		"tenantId":             d.TenantID,
		"name":                 d.Name,
		"location":             d.Location,
		"state":                d.State,
		"connected":            connected,
		"lastSeen":             d.LastSeen,
		"appliedPolicyVersion": d.AppliedPolicyVersion,
		"status":               d.Status,
		"createdAt":            d.CreatedAt,
		"updatedAt":            d.UpdatedAt,
	}
}

func (h *DeviceHandler) CreateTenant(c *gin.Context) {
	var body createTenantBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	t, err := h.Fleet.Registry.CreateTenant(c.Request.Context(), body.Name)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

func (h *DeviceHandler) ListTenants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenants": h.Fleet.Registry.ListTenants()})
}

func (h *DeviceHandler) Register(c *gin.Context) {
	tenantID := c.Param("tenant")
	if !tenantScope(c, tenantID) {
		return
	}
	var body registerDeviceBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	d, secret, err := h.Fleet.Registry.RegisterDevice(c.Request.Context(), tenantID, body.Name, body.Location)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device": deviceJSON(d, false), "secret": secret})
}

func (h *DeviceHandler) List(c *gin.Context) {
	tenantID := c.Param("tenant")
	if !tenantScope(c, tenantID) {
		return
	}
	if _, err := h.Fleet.Registry.GetTenant(tenantID); err != nil {
		registryError(c, err)
		return
	}

	devices := h.Fleet.Registry.ListDevices(tenantID)
	resp := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceJSON(d, h.Fleet.Sessions.IsConnected(d.ID)))
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}

func (h *DeviceHandler) Get(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": deviceJSON(d, h.Fleet.Sessions.IsConnected(d.ID))})
}

func (h *DeviceHandler) Revoke(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	d, err := h.Fleet.RevokeDevice(c.Request.Context(), d.ID)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": deviceJSON(d, false)})
}

func (h *DeviceHandler) RotateSecret(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	secret, err := h.Fleet.Registry.RotateSecret(c.Request.Context(), d.ID)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": d.ID, "secret": secret})
}
