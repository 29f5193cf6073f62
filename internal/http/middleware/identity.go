package middleware

import (
	"github.com/gofiber/fiber/v2"

	"datagate/internal/auth"
)

const PrincipalLocalKey = "principal"

// Identity rejects requests without a valid bearer token and stores the
// caller's auth.Principal in locals.
func Identity(v *auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := v.Verify(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return fiber.ErrUnauthorized
		}
		c.Locals(PrincipalLocalKey, p)
		return c.Next()
	}
}

func PrincipalFrom(c *fiber.Ctx) (auth.Principal, bool) {
	p, ok := c.Locals(PrincipalLocalKey).(auth.Principal)
	return p, ok
}
