package mediabufs

import (
	"fmt"

	"github.com/xaionaro-go/v4l2req/v4l2"
)

type queueLayoutKind int

const (
	queueLayoutSinglePlanar = queueLayoutKind(iota)
	queueLayoutMultiPlanar
)

func (k queueLayoutKind) String() string {
	switch k {
	case queueLayoutSinglePlanar:
		return "single_planar"
	case queueLayoutMultiPlanar:
		return "multi_planar"
	}
	return fmt.Sprintf("unknown_%d", int(k))
}

// queueLayout is picked once per controller from the device capabilities.
type queueLayout struct {
	kind        queueLayoutKind
	source      v4l2.BufType
	destination v4l2.BufType
}

var queueLayouts = map[queueLayoutKind]queueLayout{
	queueLayoutSinglePlanar: {
		kind:        queueLayoutSinglePlanar,
		source:      v4l2.BufTypeVideoOutput,
		destination: v4l2.BufTypeVideoCapture,
	},
	queueLayoutMultiPlanar: {
		kind:        queueLayoutMultiPlanar,
		source:      v4l2.BufTypeVideoOutputMPlane,
		destination: v4l2.BufTypeVideoCaptureMPlane,
	},
}

// layoutFromCapabilities prefers the multi-planar API when both are offered.
func layoutFromCapabilities(caps v4l2.Capabilities) (queueLayout, error) {
	effective := caps.Effective()
	switch {
	case effective&v4l2.CapVideoM2MMPlane != 0:
		return queueLayouts[queueLayoutMultiPlanar], nil
	case effective&v4l2.CapVideoM2M != 0:
		return queueLayouts[queueLayoutSinglePlanar], nil
	}
	return queueLayout{}, ErrNoM2MCapabilities{Capabilities: effective}
}
