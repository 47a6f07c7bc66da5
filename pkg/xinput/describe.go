package xinput

import "strings"

// Descriptor is the id, class and name of one device.
type Descriptor struct {
	ID   DeviceID
	Type DeviceType
	Name string
}

// DeviceQuerier looks up device records on the server.
type DeviceQuerier interface {
	QueryDevice(id DeviceID) ([]DeviceInfo, error)
}

// Describer turns a device record into a Descriptor.
type Describer interface {
	Describe(q DeviceQuerier) Descriptor
}

// Describe uses the name carried in the record; q is not consulted.
func (d DeviceInfo) Describe(DeviceQuerier) Descriptor {
	return Descriptor{ID: d.ID, Type: d.Type, Name: decodeName(d.Name)}
}

// Describe asks the server for the device name. A failed query or a reply
// without the device leaves the name empty.
func (h HierarchyInfo) Describe(q DeviceQuerier) Descriptor {
	return Descriptor{ID: h.ID, Type: h.Type, Name: LookupName(q, h.ID)}
}

// LookupName returns the name the server reports for id, or "".
func LookupName(q DeviceQuerier, id DeviceID) string {
	if q == nil {
		return ""
	}
	infos, err := q.QueryDevice(id)
	if err != nil {
		return ""
	}
	for _, info := range infos {
		if info.ID == id {
			return decodeName(info.Name)
		}
	}
	return ""
}

func decodeName(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
