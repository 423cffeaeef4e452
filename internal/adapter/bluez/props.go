package bluez

import (
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"

	"bottlesync/internal/domain"
)

// D-Bus names used against bluetoothd.
const (
	busName = "org.bluez"

	ifaceAdapter = "org.bluez.Adapter1"
	ifaceDevice  = "org.bluez.Device1"
	ifaceChar    = "org.bluez.GattCharacteristic1"

	ifaceProps         = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	sigPropertiesChanged = ifaceProps + ".PropertiesChanged"
	sigInterfacesAdded   = ifaceObjectManager + ".InterfacesAdded"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicePath returns the object path bluetoothd uses for address under
// adapter, e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func propString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func propBool(props map[string]dbus.Variant, key string) (value, ok bool) {
	if v, found := props[key]; found {
		value, ok = v.Value().(bool)
	}
	return value, ok
}

func propStrings(props map[string]dbus.Variant, key string) []string {
	if v, ok := props[key]; ok {
		if ss, ok := v.Value().([]string); ok {
			return ss
		}
	}
	return nil
}

// peripheralFromProps builds a Peripheral from org.bluez.Device1 properties.
// Devices without an address are rejected.
func peripheralFromProps(props map[string]dbus.Variant) (domain.Peripheral, bool) {
	p := domain.Peripheral{
		Address: propString(props, "Address"),
		Name:    propString(props, "Name"),
	}
	if p.Address == "" {
		return p, false
	}
	if p.Name == "" {
		p.Name = propString(props, "Alias")
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			p.RSSI = rssi
		}
	}
	for _, u := range propStrings(props, "UUIDs") {
		p.Services = append(p.Services, strings.ToLower(u))
	}
	return p, true
}

// characteristicFromProps builds a Characteristic from
// org.bluez.GattCharacteristic1 properties.
func characteristicFromProps(props map[string]dbus.Variant) (domain.Characteristic, bool) {
	uuid := strings.ToLower(propString(props, "UUID"))
	if uuid == "" {
		return domain.Characteristic{}, false
	}
	flags := propStrings(props, "Flags")
	return domain.Characteristic{
		UUID:   uuid,
		Notify: slices.Contains(flags, "notify") || slices.Contains(flags, "indicate"),
		Write:  slices.Contains(flags, "write") || slices.Contains(flags, "write-without-response"),
	}, true
}

// changedProps extracts the interface name and changed properties of a
// PropertiesChanged signal.
func changedProps(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != sigPropertiesChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	props, ok := sig.Body[1].(map[string]dbus.Variant)
	return iface, props, ok
}

// matchRule builds a D-Bus match rule for signals on path.
func matchRule(iface, member string, path dbus.ObjectPath, namespace bool) string {
	key := "path"
	if namespace {
		key = "path_namespace"
	}
	return fmt.Sprintf("type='signal',interface='%s',member='%s',%s='%s'", iface, member, key, path)
}
