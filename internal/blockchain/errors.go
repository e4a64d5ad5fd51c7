package blockchain

import "errors"

// Categorías de error. Los errores concretos se envuelven con una de ellas
// para que el llamador pueda decidir con errors.Is.
var (
	// ErrValidation agrupa los rechazos de reglas de negocio. Siempre recuperable.
	ErrValidation = errors.New("transacción rechazada")
	// ErrStructural agrupa datos persistidos corruptos o incompletos.
	ErrStructural = errors.New("estado persistido inválido")
	// ErrPeerUnavailable indica que un peer no respondió de forma utilizable.
	ErrPeerUnavailable = errors.New("peer no disponible")
)

var (
	ErrUnknownOrganization = errors.New("organización no encontrada")
	ErrOrderNotFound       = errors.New("orden no encontrada")
	ErrOrderCompleted      = errors.New("la orden ya fue completada")
	ErrNotOwner            = errors.New("el actor no es el dueño actual de la orden")

	ErrCorruptRecord      = errors.New("registro corrupto")
	ErrChainGap           = errors.New("falta un bloque en la cadena persistida")
	ErrInvalidStoredChain = errors.New("la cadena persistida no es válida")

	// ErrNothingToMine no es una falla: el pool estaba vacío.
	ErrNothingToMine = errors.New("no hay transacciones para minar")
	// ErrStaleTip se devuelve cuando la punta cambió en cada intento de minado.
	ErrStaleTip = errors.New("la cadena cambió durante el minado")

	ErrSelfRegistration = errors.New("no se puede registrar el nodo local como peer")
)
