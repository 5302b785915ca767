package spatial

import "github.com/turbodb/recordlayer/errs"

func errLevel(level, max int) error {
	return errs.NewInvalidArgument("spatial: level %d out of range [0,%d]", level, max)
}

func checkUnit(coords ...float64) error {
	for _, c := range coords {
		if c < 0 || c > 1 {
			return errs.NewInvalidArgument("spatial: coordinate %v must be normalized to [0,1]", c)
		}
	}
	return nil
}
