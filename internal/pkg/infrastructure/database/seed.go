package database

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/diwise/integration-waterquality/domain"
	"gopkg.in/yaml.v2"
)

type seedFile struct {
	Devices     []seedDevice     `yaml:"devices"`
	Credentials []seedCredential `yaml:"credentials"`
}

type seedDevice struct {
	ID         string                   `yaml:"id"`
	SiteID     string                   `yaml:"siteId"`
	Status     string                   `yaml:"status"`
	OwnerID    string                   `yaml:"ownerId"`
	DevEUI     string                   `yaml:"devEUI"`
	Thresholds map[string]seedThreshold `yaml:"thresholds"`
}

type seedThreshold struct {
	Enabled bool     `yaml:"enabled"`
	High    *float64 `yaml:"high"`
	Low     *float64 `yaml:"low"`
}

type seedCredential struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	DeviceID string `yaml:"deviceId"`
	Enabled  bool   `yaml:"enabled"`
}

// Seed upserts the devices and credentials described by a yaml document. Health fields of
// existing devices are left untouched.
func (d *Database) Seed(ctx context.Context, r io.Reader) (int, int, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read seed data: %w", err)
	}

	var f seedFile
	if err = yaml.Unmarshal(b, &f); err != nil {
		return 0, 0, fmt.Errorf("failed to unmarshal seed data: %w", err)
	}

	for _, sd := range f.Devices {
		if sd.ID == "" {
			return 0, 0, fmt.Errorf("seed device without id")
		}

		device, err := d.GetDevice(ctx, sd.ID)
		if errors.Is(err, ErrNotFound) {
			device = domain.Device{ID: sd.ID}
		} else if err != nil {
			return 0, 0, err
		}

		device.Installation.Status = domain.InstallationStatus(sd.Status)
		if device.Installation.Status == "" {
			device.Installation.Status = domain.StatusRegistered
		}
		device.Installation.SiteID = optional(sd.SiteID)
		device.Ownership.OwnerID = optional(sd.OwnerID)
		device.LoRaWAN.DevEUI = sd.DevEUI

		device.Configuration.AlertThresholds = map[string]domain.Threshold{}
		for param, t := range sd.Thresholds {
			device.Configuration.AlertThresholds[param] = domain.Threshold{Enabled: t.Enabled, High: t.High, Low: t.Low}
		}

		if err = d.SaveDevice(ctx, device); err != nil {
			return 0, 0, fmt.Errorf("failed to seed device %s: %w", sd.ID, err)
		}
	}

	for _, sc := range f.Credentials {
		c := domain.Credential{Key: sc.Key, Name: sc.Name, DeviceID: sc.DeviceID, Enabled: sc.Enabled}
		if err = d.SaveCredential(ctx, c); err != nil {
			return 0, 0, fmt.Errorf("failed to seed credential %s: %w", sc.Name, err)
		}
	}

	return len(f.Devices), len(f.Credentials), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
