package ltoflash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"ltoflash/keys"
	"ltoflash/peripheral"
	"ltoflash/protocol"
)

// Feature names.
const (
	FeatureEcsCompatibility       = "EcsCompatibility"
	FeatureIntellivisionII        = "IntellivisionIICompatibility"
	FeatureShowTitleScreen        = "ShowTitleScreen"
	FeatureSaveMenuPosition       = "SaveMenuPosition"
	FeatureBackgroundGC           = "BackgroundGarbageCollect"
	FeatureRandomizeLtoFlashRam   = "RandomizeLtoFlashRam"
	FeatureMenuHotKeys            = "MenuHotKeys"
	FeatureShowFileSystemWarnings = "ShowFileSystemWarnings"
)

var ErrReservedHotKeys = errors.New("ltoflash: key combination is reserved by the menu")

// configField is a bit field of the 64-bit configuration word; ConfigGet returns
// it as two little-endian halves and ConfigSet takes them as arguments.
type configField struct {
	shift uint
	width uint
}

var (
	fieldEcs             = configField{0, 2}
	fieldIntellivisionII = configField{2, 2}
	fieldTitleScreen     = configField{4, 2}
	fieldSaveMenu        = configField{6, 2}
	fieldBackgroundGC    = configField{8, 1}
	fieldRandomizeRam    = configField{32, 1}
)

func (f configField) mask() uint64 { return (1<<f.width - 1) << f.shift }

func (f configField) get(cfg uint64) uint64 { return cfg & f.mask() >> f.shift }

func (f configField) set(cfg, v uint64) uint64 {
	return cfg&^f.mask() | v<<f.shift&f.mask()
}

func (f configField) max() uint8 { return uint8(1<<f.width - 1) }

type features struct {
	ecs             *peripheral.Feature[uint8]
	intellivisionII *peripheral.Feature[uint8]
	titleScreen     *peripheral.Feature[uint8]
	saveMenu        *peripheral.Feature[uint8]
	backgroundGC    *peripheral.Feature[bool]
	randomizeRam    *peripheral.Feature[bool]

	hotKeys  *peripheral.Feature[keys.Set]
	warnings *peripheral.Feature[bool]
}

func newFeatures(d *Device) *features {
	return &features{
		ecs:             d.levelFeature(FeatureEcsCompatibility, fieldEcs),
		intellivisionII: d.levelFeature(FeatureIntellivisionII, fieldIntellivisionII),
		titleScreen:     d.levelFeature(FeatureShowTitleScreen, fieldTitleScreen),
		saveMenu:        d.levelFeature(FeatureSaveMenuPosition, fieldSaveMenu),
		backgroundGC:    d.flagFeature(FeatureBackgroundGC, fieldBackgroundGC),
		randomizeRam:    d.flagFeature(FeatureRandomizeLtoFlashRam, fieldRandomizeRam),

		hotKeys: peripheral.NewFeature(FeatureMenuHotKeys, peripheral.InMemory, keys.NewSet(keys.KeypadClear, keys.Keypad0)).
			WithValidator(func(s keys.Set) error {
				if keys.IsReservedKeyCombination(s.Keys()...) {
					return fmt.Errorf("%w: %v", ErrReservedHotKeys, s)
				}
				return nil
			}),
		warnings: peripheral.NewFeature(FeatureShowFileSystemWarnings, peripheral.InMemory, true),
	}
}

func (f *features) list() []peripheral.ConfigurableFeature {
	return []peripheral.ConfigurableFeature{
		f.ecs, f.intellivisionII, f.titleScreen, f.saveMenu, f.backgroundGC, f.randomizeRam,
		f.hotKeys, f.warnings,
	}
}

// load refreshes the hardware features from a configuration word, leaving out the
// feature stored in skip.
func (f *features) load(cfg uint64, skip configField) {
	loadLevel := func(feature *peripheral.Feature[uint8], field configField) {
		if field != skip {
			feature.Load(uint8(field.get(cfg)))
		}
	}
	loadFlag := func(feature *peripheral.Feature[bool], field configField) {
		if field != skip {
			feature.Load(field.get(cfg) != 0)
		}
	}
	loadLevel(f.ecs, fieldEcs)
	loadLevel(f.intellivisionII, fieldIntellivisionII)
	loadLevel(f.titleScreen, fieldTitleScreen)
	loadLevel(f.saveMenu, fieldSaveMenu)
	loadFlag(f.backgroundGC, fieldBackgroundGC)
	loadFlag(f.randomizeRam, fieldRandomizeRam)
}

func (d *Device) levelFeature(name string, field configField) *peripheral.Feature[uint8] {
	return peripheral.NewFeature[uint8](name, peripheral.OnHardware, 0).
		WithValidator(func(v uint8) error {
			if v > field.max() {
				return fmt.Errorf("ltoflash: %s: value %d out of range 0..%d", name, v, field.max())
			}
			return nil
		}).
		WithApply(func(ctx context.Context, v uint8) error {
			return d.writeConfigField(ctx, field, uint64(v))
		})
}

func (d *Device) flagFeature(name string, field configField) *peripheral.Feature[bool] {
	return peripheral.NewFeature(name, peripheral.OnHardware, false).
		WithApply(func(ctx context.Context, v bool) error {
			var bit uint64
			if v {
				bit = 1
			}
			return d.writeConfigField(ctx, field, bit)
		})
}

// MenuHotKeys is the key combination that brings up the cartridge menu.
func (d *Device) MenuHotKeys() keys.Set { return d.features.hotKeys.Get() }

// ShowFileSystemWarnings reports whether callers should surface inconsistencies
// found while downloading the file system.
func (d *Device) ShowFileSystemWarnings() bool { return d.features.warnings.Get() }

// Configuration returns the configuration word last read from or written to the device.
func (d *Device) Configuration() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// ReadConfiguration downloads the configuration word and refreshes the hardware features.
func (d *Device) ReadConfiguration(ctx context.Context) (cfg uint64, err error) {
	err = d.run(ctx, func(ctx context.Context, s *protocol.Session) (err error) {
		cfg, err = d.readConfig(ctx, s)
		return
	})
	if err == nil {
		d.features.load(cfg, configField{})
	}
	return
}

func (d *Device) readConfig(ctx context.Context, s *protocol.Session) (uint64, error) {
	res, err := d.execute(ctx, s, protocol.Request{Command: protocol.ConfigGet})
	if err != nil {
		return 0, err
	}
	if len(res.Data) != protocol.ConfigSize {
		return 0, fmt.Errorf("ltoflash: configuration is %d bytes, expected %d", len(res.Data), protocol.ConfigSize)
	}
	cfg := binary.LittleEndian.Uint64(res.Data)

	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
	return cfg, nil
}

// writeConfigField replaces one field of the configuration word on the device.
// The word is read back first and the read-modify-write runs as one queued command.
// It is called with the feature being set locked, so only the other features are
// refreshed here.
func (d *Device) writeConfigField(ctx context.Context, field configField, v uint64) error {
	var cfg uint64
	err := d.run(ctx, func(ctx context.Context, s *protocol.Session) error {
		current, err := d.readConfig(ctx, s)
		if err != nil {
			return err
		}
		cfg = field.set(current, v)

		_, err = d.execute(ctx, s, protocol.Request{
			Command: protocol.ConfigSet,
			Args:    protocol.Args{uint32(cfg), uint32(cfg >> 32)},
		})
		if err != nil {
			return err
		}

		d.mu.Lock()
		d.config = cfg
		d.mu.Unlock()
		return nil
	})
	if err == nil {
		d.features.load(cfg, field)
	}
	return err
}
