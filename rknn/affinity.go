package rknn

import (
	"fmt"
	"strings"

	"github.com/swdee/go-rknnlite"
)

// coreType maps a cpu_affinity setting of fast, slow or all to the runtime's
// core type.  ok is false for "none" or an empty setting, meaning affinity is
// left unchanged.
func coreType(cores string) (ct rknnlite.CoreType, ok bool, err error) {

	switch strings.ToLower(strings.TrimSpace(cores)) {
	case "", "none":
		return 0, false, nil
	case "fast":
		return rknnlite.FastCores, true, nil
	case "slow":
		return rknnlite.SlowCores, true, nil
	case "all":
		return rknnlite.AllCores, true, nil
	default:
		return 0, false, fmt.Errorf("unknown core type %q, use fast|slow|all|none", cores)
	}
}

// setAffinity pins the process to the platform's cores of the given type
func setAffinity(platform, cores string) error {

	ct, ok, err := coreType(cores)

	if err != nil || !ok {
		return err
	}

	return rknnlite.SetCPUAffinityByPlatform(platform, ct)
}
