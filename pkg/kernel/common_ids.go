package kernel

type UserID string

func NewUserID(id string) UserID { return UserID(id) }
func (u UserID) String() string  { return string(u) }
func (u UserID) IsEmpty() bool   { return string(u) == "" }

type InstanceID string

func NewInstanceID(id string) InstanceID { return InstanceID(id) }
func (i InstanceID) String() string      { return string(i) }
func (i InstanceID) IsEmpty() bool       { return string(i) == "" }

type ServiceTypeID string

func NewServiceTypeID(id string) ServiceTypeID { return ServiceTypeID(id) }
func (s ServiceTypeID) String() string         { return string(s) }
func (s ServiceTypeID) IsEmpty() bool          { return string(s) == "" }
